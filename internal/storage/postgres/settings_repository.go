package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohammednour-ai/matex/internal/domain"
)

const (
	settingFeeBasisPoints = "fee_basis_points"
	settingFeeMinimum     = "fee_minimum"
)

// SettingsRepository is the settings store behind per-run fee configuration.
type SettingsRepository struct {
	pool *pgxpool.Pool
}

func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{pool: pool}
}

// FeeConfig loads the marketplace fee settings. Missing keys fall back to
// zero values; the processor treats that as "no fee configured".
func (r *SettingsRepository) FeeConfig(ctx context.Context) (domain.FeeConfig, error) {
	const query = `SELECT key, value FROM settings WHERE key = ANY($1)`

	rows, err := r.query(ctx, query, []string{settingFeeBasisPoints, settingFeeMinimum})
	if err != nil {
		return domain.FeeConfig{}, fmt.Errorf("load fee config: %w", err)
	}
	defer rows.Close()

	var cfg domain.FeeConfig
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return domain.FeeConfig{}, fmt.Errorf("scan setting: %w", err)
		}
		switch key {
		case settingFeeBasisPoints:
			cfg.BasisPoints = value
		case settingFeeMinimum:
			cfg.MinimumFee = value
		}
	}
	if err := rows.Err(); err != nil {
		return domain.FeeConfig{}, fmt.Errorf("load fee config: %w", err)
	}
	return cfg, nil
}

func (r *SettingsRepository) UpdateFeeConfig(ctx context.Context, cfg domain.FeeConfig) error {
	const stmt = `
INSERT INTO settings (key, value)
VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

	return withTx(ctx, r.pool, func(txCtx context.Context) error {
		tx := txFromContext(txCtx)
		if _, err := tx.Exec(txCtx, stmt, settingFeeBasisPoints, cfg.BasisPoints); err != nil {
			return fmt.Errorf("update %s: %w", settingFeeBasisPoints, err)
		}
		if _, err := tx.Exec(txCtx, stmt, settingFeeMinimum, cfg.MinimumFee); err != nil {
			return fmt.Errorf("update %s: %w", settingFeeMinimum, err)
		}
		return nil
	})
}

func (r *SettingsRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
