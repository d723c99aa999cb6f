package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohammednour-ai/matex/internal/clock"
	"github.com/mohammednour-ai/matex/internal/domain"
	"github.com/mohammednour-ai/matex/internal/logger"
	"github.com/mohammednour-ai/matex/internal/payment"
)

// DepositRepository is the persistence contract for the deposit ledger. The
// SetX mutators are conditional updates: they report false when the row was
// not in the expected prior status, and never overwrite blindly.
type DepositRepository interface {
	CreateDeposit(ctx context.Context, d domain.Deposit) error
	GetDeposit(ctx context.Context, id string) (domain.Deposit, error)
	GetDepositByExternalRef(ctx context.Context, externalRef string) (domain.Deposit, error)
	FindDepositByUserAndAuction(ctx context.Context, userID, auctionID string) (*domain.Deposit, error)
	ListDepositsByAuction(ctx context.Context, auctionID string) ([]domain.Deposit, error)
	ListDepositsByUserAndAuctions(ctx context.Context, userID string, auctionIDs []string) ([]domain.Deposit, error)
	SetAuthorized(ctx context.Context, id, externalRef string, now time.Time) (bool, error)
	SetCaptured(ctx context.Context, id string, now time.Time) (bool, error)
	SetCancelled(ctx context.Context, id string, from domain.DepositStatus, reason string, now time.Time) (bool, error)
	SetFailed(ctx context.Context, id, reason string, now time.Time) (bool, error)
}

// AuctionGetter is the read-only auction lookup the ledger needs to gate
// deposit creation.
type AuctionGetter interface {
	GetAuction(ctx context.Context, id string) (domain.Auction, error)
}

// DepositService owns the deposit state machine. Every mutation goes through
// a conditional update; racing callers cannot both believe they performed a
// transition.
type DepositService struct {
	repo     DepositRepository
	auctions AuctionGetter
	gateway  payment.Gateway
	clock    clock.Clock
	log      *logger.Logger
	retry    payment.RetryPolicy
}

func NewDepositService(repo DepositRepository, auctions AuctionGetter, gw payment.Gateway, clk clock.Clock, log *logger.Logger, opts ...DepositServiceOption) *DepositService {
	svc := &DepositService{
		repo:     repo,
		auctions: auctions,
		gateway:  gw,
		clock:    clk,
		log:      log,
		retry:    payment.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type DepositServiceOption func(*DepositService)

// WithDepositRetryPolicy overrides the gateway retry policy.
func WithDepositRetryPolicy(p payment.RetryPolicy) DepositServiceOption {
	return func(s *DepositService) {
		s.retry = p
	}
}

type CreateDepositInput struct {
	UserID        string
	AuctionID     string
	Amount        int64
	Currency      string
	PaymentMethod string
}

// Create registers a pending deposit for (user, auction) and immediately
// authorizes it with the gateway. At most one deposit per pair ever exists;
// a duplicate create fails with ErrDepositExists and the caller must reuse
// the existing deposit.
func (s *DepositService) Create(ctx context.Context, in CreateDepositInput) (domain.Deposit, error) {
	if in.Amount <= 0 {
		return domain.Deposit{}, domain.ErrInvalidAmount
	}
	if in.Currency == "" {
		return domain.Deposit{}, domain.ErrCurrencyRequired
	}
	if in.PaymentMethod == "" {
		return domain.Deposit{}, domain.ErrPayMethodRequired
	}

	now := s.clock.Now()

	auction, err := s.auctions.GetAuction(ctx, in.AuctionID)
	if err != nil {
		return domain.Deposit{}, err
	}
	if auction.Status != domain.AuctionStatusActive || !auction.EndAt.After(now) {
		return domain.Deposit{}, domain.ErrAuctionNotOpen
	}

	dep := domain.Deposit{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		AuctionID: in.AuctionID,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Status:    domain.DepositStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateDeposit(ctx, dep); err != nil {
		return domain.Deposit{}, err
	}

	// The idempotency key is derived from the deposit id and reused across
	// retries, so a timed-out authorize cannot place a second hold.
	key := authorizeKey(dep.ID)
	var externalRef string
	err = s.retry.Do(ctx, func() error {
		ref, aerr := s.gateway.Authorize(ctx, dep.Amount, dep.Currency, in.PaymentMethod, key)
		if aerr != nil {
			return aerr
		}
		externalRef = ref
		return nil
	})
	if err != nil {
		reason := "authorization_unavailable"
		if payment.IsDeclined(err) {
			reason = "authorization_declined"
		}
		if _, ferr := s.MarkFailed(ctx, dep.ID, reason); ferr != nil {
			s.log.Error("mark deposit failed after authorize error", "deposit_id", dep.ID, "err", ferr)
		}
		if payment.IsDeclined(err) {
			return domain.Deposit{}, domain.ErrGatewayDeclined
		}
		return domain.Deposit{}, fmt.Errorf("authorize deposit %s: %w", dep.ID, err)
	}

	return s.MarkAuthorized(ctx, dep.ID, externalRef)
}

// MarkAuthorized performs pending → authorized and records the gateway
// reference. Re-calling with the same reference is a no-op; a different
// reference while authorized is a conflict.
func (s *DepositService) MarkAuthorized(ctx context.Context, id, externalRef string) (domain.Deposit, error) {
	if externalRef == "" {
		return domain.Deposit{}, domain.ErrAuthorizationMismatch
	}

	ok, err := s.repo.SetAuthorized(ctx, id, externalRef, s.clock.Now())
	if err != nil {
		return domain.Deposit{}, err
	}
	if ok {
		return s.repo.GetDeposit(ctx, id)
	}

	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if d.Status == domain.DepositStatusAuthorized {
		if d.ExternalRef == externalRef {
			return d, nil
		}
		return domain.Deposit{}, domain.ErrAuthorizationMismatch
	}
	return domain.Deposit{}, domain.ErrInvalidTransition
}

// MarkCaptured performs authorized → captured. Idempotent when already
// captured.
func (s *DepositService) MarkCaptured(ctx context.Context, id string) (domain.Deposit, error) {
	ok, err := s.repo.SetCaptured(ctx, id, s.clock.Now())
	if err != nil {
		return domain.Deposit{}, err
	}
	if ok {
		return s.repo.GetDeposit(ctx, id)
	}
	return s.settleNoOp(ctx, id, domain.DepositStatusCaptured)
}

// MarkCancelled performs authorized → cancelled. A captured deposit is never
// silently undone; that attempt is an invalid transition.
func (s *DepositService) MarkCancelled(ctx context.Context, id, reason string) (domain.Deposit, error) {
	ok, err := s.repo.SetCancelled(ctx, id, domain.DepositStatusAuthorized, reason, s.clock.Now())
	if err != nil {
		return domain.Deposit{}, err
	}
	if ok {
		return s.repo.GetDeposit(ctx, id)
	}
	return s.settleNoOp(ctx, id, domain.DepositStatusCancelled)
}

// CancelPending cancels a deposit that was never authorized, without any
// gateway involvement.
func (s *DepositService) CancelPending(ctx context.Context, id, reason string) (domain.Deposit, error) {
	ok, err := s.repo.SetCancelled(ctx, id, domain.DepositStatusPending, reason, s.clock.Now())
	if err != nil {
		return domain.Deposit{}, err
	}
	if ok {
		return s.repo.GetDeposit(ctx, id)
	}
	return s.settleNoOp(ctx, id, domain.DepositStatusCancelled)
}

// MarkFailed moves any non-terminal deposit to failed, for definitive
// gateway declines and exhausted retries.
func (s *DepositService) MarkFailed(ctx context.Context, id, reason string) (domain.Deposit, error) {
	ok, err := s.repo.SetFailed(ctx, id, reason, s.clock.Now())
	if err != nil {
		return domain.Deposit{}, err
	}
	if ok {
		return s.repo.GetDeposit(ctx, id)
	}
	return s.settleNoOp(ctx, id, domain.DepositStatusFailed)
}

// settleNoOp resolves a conditional update that matched no row: already in
// the wanted status is an idempotent success, anything else is reported.
func (s *DepositService) settleNoOp(ctx context.Context, id string, want domain.DepositStatus) (domain.Deposit, error) {
	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return domain.Deposit{}, err
	}
	if d.Status == want {
		return d, nil
	}
	return domain.Deposit{}, domain.ErrInvalidTransition
}

func (s *DepositService) Get(ctx context.Context, id string) (domain.Deposit, error) {
	return s.repo.GetDeposit(ctx, id)
}

func (s *DepositService) ListByAuction(ctx context.Context, auctionID string) ([]domain.Deposit, error) {
	return s.repo.ListDepositsByAuction(ctx, auctionID)
}

// CancelOwn releases a caller's own authorized deposit before the auction
// settles. It fails rather than silently succeeding when the deposit has
// already been captured or released underneath the caller.
func (s *DepositService) CancelOwn(ctx context.Context, userID, externalRef string) (domain.Deposit, error) {
	d, err := s.repo.GetDepositByExternalRef(ctx, externalRef)
	if err != nil {
		return domain.Deposit{}, err
	}
	if d.UserID != userID {
		return domain.Deposit{}, domain.ErrNotOwner
	}
	if d.Status != domain.DepositStatusAuthorized {
		return domain.Deposit{}, domain.ErrInvalidTransition
	}

	err = s.retry.Do(ctx, func() error {
		cerr := s.gateway.Cancel(ctx, d.ExternalRef, cancelKey(d.ID))
		if cerr != nil && !payment.IsAlreadyFinalized(cerr) {
			return cerr
		}
		return nil
	})
	if err != nil {
		if payment.IsDeclined(err) {
			if _, ferr := s.MarkFailed(ctx, d.ID, "release_declined"); ferr != nil {
				s.log.Error("mark deposit failed after release decline", "deposit_id", d.ID, "err", ferr)
			}
			return domain.Deposit{}, domain.ErrGatewayDeclined
		}
		return domain.Deposit{}, fmt.Errorf("release deposit %s: %w", d.ID, err)
	}

	return s.MarkCancelled(ctx, d.ID, "user_cancelled")
}

// StatusByAuctions reports the caller's deposit status per auction id. An
// absent deposit is reported as "none", not an error.
func (s *DepositService) StatusByAuctions(ctx context.Context, userID string, auctionIDs []string) (map[string]domain.DepositStatus, error) {
	deposits, err := s.repo.ListDepositsByUserAndAuctions(ctx, userID, auctionIDs)
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.DepositStatus, len(auctionIDs))
	for _, id := range auctionIDs {
		out[id] = domain.DepositStatusNone
	}
	for _, d := range deposits {
		out[d.AuctionID] = d.Status
	}
	return out, nil
}

func authorizeKey(depositID string) string {
	return "dep-" + depositID + "-auth"
}

func captureKey(depositID string) string {
	return "dep-" + depositID + "-capture"
}

func cancelKey(depositID string) string {
	return "dep-" + depositID + "-release"
}
