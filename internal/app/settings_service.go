package app

import (
	"context"

	"github.com/mohammednour-ai/matex/internal/domain"
)

// SettingsRepository persists marketplace settings.
type SettingsRepository interface {
	FeeConfig(ctx context.Context) (domain.FeeConfig, error)
	UpdateFeeConfig(ctx context.Context, cfg domain.FeeConfig) error
}

// SettingsService exposes the fee configuration to operators. Settlement
// reads it through the SettingsStore interface once per run.
type SettingsService struct {
	repo SettingsRepository
}

func NewSettingsService(repo SettingsRepository) *SettingsService {
	return &SettingsService{repo: repo}
}

func (s *SettingsService) FeeConfig(ctx context.Context) (domain.FeeConfig, error) {
	return s.repo.FeeConfig(ctx)
}

type UpdateFeeConfigInput struct {
	BasisPoints int64
	MinimumFee  int64
}

func (s *SettingsService) UpdateFeeConfig(ctx context.Context, in UpdateFeeConfigInput) (domain.FeeConfig, error) {
	if in.BasisPoints < 0 || in.BasisPoints > 10000 || in.MinimumFee < 0 {
		return domain.FeeConfig{}, domain.ErrInvalidAmount
	}
	cfg := domain.FeeConfig{BasisPoints: in.BasisPoints, MinimumFee: in.MinimumFee}
	if err := s.repo.UpdateFeeConfig(ctx, cfg); err != nil {
		return domain.FeeConfig{}, err
	}
	return cfg, nil
}
