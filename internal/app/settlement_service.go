package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammednour-ai/matex/internal/clock"
	"github.com/mohammednour-ai/matex/internal/domain"
	"github.com/mohammednour-ai/matex/internal/logger"
	"github.com/mohammednour-ai/matex/internal/payment"
)

// AuctionStore is the claim mutex plus the auction reads settlement needs.
// Claim and Finalize are atomic conditional updates at the data store; no
// in-process locking is assumed anywhere in the processor.
type AuctionStore interface {
	GetAuction(ctx context.Context, id string) (domain.Auction, error)
	ClaimDue(ctx context.Context, id string, now time.Time) (bool, error)
	ClaimImmediate(ctx context.Context, id string) (bool, error)
	Finalize(ctx context.Context, id string, status domain.AuctionStatus, now time.Time) error
	ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]domain.Auction, error)
}

// BidStore reads the bid history owned by the bidding subsystem.
type BidStore interface {
	HighestBid(ctx context.Context, auctionID string) (*domain.Bid, error)
}

// DepositLedger is the slice of the deposit ledger the processor drives. The
// processor never mutates deposit records itself.
type DepositLedger interface {
	ListByAuction(ctx context.Context, auctionID string) ([]domain.Deposit, error)
	MarkCaptured(ctx context.Context, id string) (domain.Deposit, error)
	MarkCancelled(ctx context.Context, id, reason string) (domain.Deposit, error)
	CancelPending(ctx context.Context, id, reason string) (domain.Deposit, error)
	MarkFailed(ctx context.Context, id, reason string) (domain.Deposit, error)
}

// SettingsStore supplies the fee configuration, read once per run.
type SettingsStore interface {
	FeeConfig(ctx context.Context) (domain.FeeConfig, error)
}

// EventPublisher emits fire-and-forget settlement events.
type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

type SettlementOutcome string

const (
	OutcomeWinner    SettlementOutcome = "winner"
	OutcomeNoWinner  SettlementOutcome = "no_winner"
	OutcomeWithdrawn SettlementOutcome = "withdrawn"
)

// SettlementSummary aggregates one settlement run for observability. A
// non-zero Failed count means ReconciliationRequired: the auction is
// terminal but some holds need manual follow-up.
type SettlementSummary struct {
	AuctionID    string
	Outcome      SettlementOutcome
	WinnerUserID string
	WinningBid   int64
	CapturedFee  int64
	Captured     int
	Cancelled    int
	Failed       int
	Skipped      int
}

const defaultFanOutWorkers = 4

// SettlementService closes one auction at a time: claim, pick the winner,
// fan out capture/cancel over every deposit, then finalize. Safe to invoke
// from any number of workers concurrently; the claim CAS admits exactly one.
type SettlementService struct {
	auctions AuctionStore
	bids     BidStore
	ledger   DepositLedger
	gateway  payment.Gateway
	settings SettingsStore
	events   EventPublisher
	clock    clock.Clock
	log      *logger.Logger
	retry    payment.RetryPolicy
	workers  int
}

func NewSettlementService(
	auctions AuctionStore,
	bids BidStore,
	ledger DepositLedger,
	gw payment.Gateway,
	settings SettingsStore,
	events EventPublisher,
	clk clock.Clock,
	log *logger.Logger,
	opts ...SettlementServiceOption,
) *SettlementService {
	svc := &SettlementService{
		auctions: auctions,
		bids:     bids,
		ledger:   ledger,
		gateway:  gw,
		settings: settings,
		events:   events,
		clock:    clk,
		log:      log,
		retry:    payment.DefaultRetryPolicy,
		workers:  defaultFanOutWorkers,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type SettlementServiceOption func(*SettlementService)

// WithSettlementRetryPolicy overrides the gateway retry policy.
func WithSettlementRetryPolicy(p payment.RetryPolicy) SettlementServiceOption {
	return func(s *SettlementService) {
		s.retry = p
	}
}

// WithFanOutWorkers bounds the per-deposit parallelism of one run.
func WithFanOutWorkers(n int) SettlementServiceOption {
	return func(s *SettlementService) {
		if n > 0 {
			s.workers = n
		}
	}
}

// Settle closes one due auction. Callers that lose the claim get
// ErrAuctionNotClaimable and must simply move on; the auction is either not
// due yet, owned by another worker, or already terminal.
func (s *SettlementService) Settle(ctx context.Context, auctionID string) (SettlementSummary, error) {
	now := s.clock.Now()

	claimed, err := s.auctions.ClaimDue(ctx, auctionID, now)
	if err != nil {
		return SettlementSummary{}, err
	}
	if !claimed {
		if _, gerr := s.auctions.GetAuction(ctx, auctionID); gerr != nil {
			return SettlementSummary{}, gerr
		}
		return SettlementSummary{}, domain.ErrAuctionNotClaimable
	}

	return s.process(ctx, auctionID, false)
}

// Withdraw administratively cancels an active auction: every deposit is
// released and the auction finalizes to cancelled.
func (s *SettlementService) Withdraw(ctx context.Context, auctionID string) (SettlementSummary, error) {
	claimed, err := s.auctions.ClaimImmediate(ctx, auctionID)
	if err != nil {
		return SettlementSummary{}, err
	}
	if !claimed {
		if _, gerr := s.auctions.GetAuction(ctx, auctionID); gerr != nil {
			return SettlementSummary{}, gerr
		}
		return SettlementSummary{}, domain.ErrAuctionNotClaimable
	}

	return s.process(ctx, auctionID, true)
}

// RunDue settles every due auction, continuing past individual failures.
// Returns the number of auctions this worker settled.
func (s *SettlementService) RunDue(ctx context.Context, limit int) (int, error) {
	due, err := s.auctions.ListDueAuctions(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due auctions: %w", err)
	}

	settled := 0
	for _, a := range due {
		summary, err := s.Settle(ctx, a.ID)
		if err != nil {
			if err == domain.ErrAuctionNotClaimable {
				continue
			}
			s.log.Error("settle auction", "auction_id", a.ID, "err", err)
			continue
		}
		settled++
		s.log.Info("auction settled",
			"auction_id", summary.AuctionID,
			"outcome", summary.Outcome,
			"captured", summary.Captured,
			"cancelled", summary.Cancelled,
			"failed", summary.Failed,
		)
	}
	return settled, nil
}

// process runs after a successful claim. Finalize is attempted no matter how
// the fan-out went: a completed auction with failed deposits is a valid,
// reportable end state, a stuck one is not.
func (s *SettlementService) process(ctx context.Context, auctionID string, withdrawn bool) (SettlementSummary, error) {
	summary := SettlementSummary{AuctionID: auctionID, Outcome: OutcomeNoWinner}
	if withdrawn {
		summary.Outcome = OutcomeWithdrawn
	}

	feeCfg, err := s.settings.FeeConfig(ctx)
	if err != nil {
		s.log.Warn("fee config unavailable, settling without fees", "auction_id", auctionID, "err", err)
		feeCfg = domain.FeeConfig{}
	}

	var winner *domain.Bid
	if !withdrawn {
		winner, err = s.bids.HighestBid(ctx, auctionID)
		if err != nil {
			s.log.Error("bid lookup failed, releasing all deposits", "auction_id", auctionID, "err", err)
			winner = nil
		}
	}

	deposits, listErr := s.ledger.ListByAuction(ctx, auctionID)
	if listErr != nil {
		// The claim is already ours; the auction must still reach a terminal
		// status. The untouched deposits surface through reconciliation.
		s.log.Error("deposit list failed during settlement", "auction_id", auctionID, "err", listErr)
	}

	winnerCaptured := false
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.workers)

	for _, d := range deposits {
		d := d
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res := s.settleDeposit(ctx, d, winner, withdrawn)

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case depositCaptured:
				summary.Captured++
				winnerCaptured = true
			case depositCancelled:
				summary.Cancelled++
			case depositFailed:
				summary.Failed++
			case depositSkipped:
				summary.Skipped++
			}
		}()
	}
	wg.Wait()

	final := domain.AuctionStatusCompleted
	if withdrawn {
		final = domain.AuctionStatusCancelled
	}
	if winner != nil && winnerCaptured {
		summary.Outcome = OutcomeWinner
		summary.WinnerUserID = winner.UserID
		summary.WinningBid = winner.Amount
	}

	if err := s.auctions.Finalize(ctx, auctionID, final, s.clock.Now()); err != nil {
		return summary, fmt.Errorf("finalize auction %s: %w", auctionID, err)
	}

	if summary.Outcome == OutcomeWinner {
		summary.CapturedFee = s.capturedFee(ctx, auctionID, winner.UserID, feeCfg)
	}

	s.publishResult(summary, listErr != nil)

	if listErr != nil {
		return summary, fmt.Errorf("settle auction %s: %w", auctionID, listErr)
	}
	return summary, nil
}

type depositResult int

const (
	depositSkipped depositResult = iota
	depositCaptured
	depositCancelled
	depositFailed
)

// settleDeposit resolves a single deposit. One deposit's failure never
// blocks the others; each gateway call is retried on transient errors with
// the same idempotency key.
func (s *SettlementService) settleDeposit(ctx context.Context, d domain.Deposit, winner *domain.Bid, withdrawn bool) depositResult {
	switch d.Status {
	case domain.DepositStatusPending:
		// Never authorized: no gateway hold exists to release.
		if _, err := s.ledger.CancelPending(ctx, d.ID, "never_authorized"); err != nil {
			s.log.Warn("cancel pending deposit", "deposit_id", d.ID, "err", err)
			return depositSkipped
		}
		return depositCancelled

	case domain.DepositStatusAuthorized:
		if !withdrawn && winner != nil && d.UserID == winner.UserID {
			return s.captureWinner(ctx, d)
		}
		return s.releaseDeposit(ctx, d, s.releaseReason(winner, withdrawn))

	default:
		// Already terminal; a prior run or a user cancel got here first.
		return depositSkipped
	}
}

func (s *SettlementService) captureWinner(ctx context.Context, d domain.Deposit) depositResult {
	err := s.retry.Do(ctx, func() error {
		cerr := s.gateway.Capture(ctx, d.ExternalRef, captureKey(d.ID))
		if cerr != nil && !payment.IsAlreadyFinalized(cerr) {
			return cerr
		}
		return nil
	})
	if err != nil {
		reason := "capture_unavailable"
		if payment.IsDeclined(err) {
			reason = "capture_declined"
		}
		s.log.Error("winner capture failed", "deposit_id", d.ID, "reason", reason, "err", err)
		if _, ferr := s.ledger.MarkFailed(ctx, d.ID, reason); ferr != nil {
			s.log.Error("mark deposit failed", "deposit_id", d.ID, "err", ferr)
		}
		return depositFailed
	}

	if _, err := s.ledger.MarkCaptured(ctx, d.ID); err != nil {
		// The money moved but the ledger write raced or failed: operator
		// attention required, never a silent success.
		s.log.Error("mark captured after gateway capture", "deposit_id", d.ID, "err", err)
		return depositFailed
	}
	return depositCaptured
}

func (s *SettlementService) releaseDeposit(ctx context.Context, d domain.Deposit, reason string) depositResult {
	err := s.retry.Do(ctx, func() error {
		cerr := s.gateway.Cancel(ctx, d.ExternalRef, cancelKey(d.ID))
		if cerr != nil && !payment.IsAlreadyFinalized(cerr) {
			return cerr
		}
		return nil
	})
	if err != nil {
		failReason := "release_unavailable"
		if payment.IsDeclined(err) {
			failReason = "release_declined"
		}
		s.log.Error("deposit release failed", "deposit_id", d.ID, "reason", failReason, "err", err)
		if _, ferr := s.ledger.MarkFailed(ctx, d.ID, failReason); ferr != nil {
			s.log.Error("mark deposit failed", "deposit_id", d.ID, "err", ferr)
		}
		return depositFailed
	}

	if _, err := s.ledger.MarkCancelled(ctx, d.ID, reason); err != nil {
		if err == domain.ErrInvalidTransition {
			// Lost a race with the owner's own cancel; the hold is released
			// either way.
			return depositSkipped
		}
		s.log.Error("mark cancelled after gateway release", "deposit_id", d.ID, "err", err)
		return depositFailed
	}
	return depositCancelled
}

func (s *SettlementService) releaseReason(winner *domain.Bid, withdrawn bool) string {
	switch {
	case withdrawn:
		return "auction_withdrawn"
	case winner == nil:
		return "no_winner"
	default:
		return "not_winner"
	}
}

// capturedFee computes the marketplace fee over the winner's captured
// deposit amount, for reporting.
func (s *SettlementService) capturedFee(ctx context.Context, auctionID, winnerUserID string, cfg domain.FeeConfig) int64 {
	deposits, err := s.ledger.ListByAuction(ctx, auctionID)
	if err != nil {
		return 0
	}
	for _, d := range deposits {
		if d.UserID == winnerUserID && d.Status == domain.DepositStatusCaptured {
			return cfg.Fee(d.Amount)
		}
	}
	return 0
}

// publishResult emits settlement events on a detached goroutine. Event
// delivery failures are logged and never affect the settlement outcome.
func (s *SettlementService) publishResult(summary SettlementSummary, reconcile bool) {
	if s.events == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload := map[string]any{
			"auction_id":     summary.AuctionID,
			"outcome":        string(summary.Outcome),
			"winner_user_id": summary.WinnerUserID,
			"winning_bid":    summary.WinningBid,
			"fee":            summary.CapturedFee,
			"captured":       summary.Captured,
			"cancelled":      summary.Cancelled,
			"failed":         summary.Failed,
		}
		if err := s.events.PublishJSON(ctx, "settlement.completed", payload); err != nil {
			s.log.Warn("publish settlement event", "auction_id", summary.AuctionID, "err", err)
		}
		if summary.Failed > 0 || reconcile {
			if err := s.events.PublishJSON(ctx, "settlement.reconciliation_required", payload); err != nil {
				s.log.Warn("publish reconciliation event", "auction_id", summary.AuctionID, "err", err)
			}
		}
	}()
}
