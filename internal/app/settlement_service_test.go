package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohammednour-ai/matex/internal/clock"
	"github.com/mohammednour-ai/matex/internal/domain"
	"github.com/mohammednour-ai/matex/internal/logger"
	"github.com/mohammednour-ai/matex/internal/payment"
)

type settlementFixture struct {
	svc      *SettlementService
	auctions *fakeAuctionStore
	repo     *fakeDepositRepo
	gw       *fakeGateway
	events   *fakeEvents
}

func newSettlementFixture(t *testing.T, now time.Time, auctions []domain.Auction, bids []domain.Bid, deposits []domain.Deposit) *settlementFixture {
	t.Helper()

	repo := newFakeDepositRepo(deposits)
	gw := newFakeGateway()
	store := newFakeAuctionStore(auctions)
	events := &fakeEvents{}
	clk := clock.NewFixed(now)
	log := logger.NewNop()

	ledger := NewDepositService(repo, store, gw, clk, log, WithDepositRetryPolicy(testRetry))
	svc := NewSettlementService(
		store,
		&fakeBidStore{bids: bids},
		ledger,
		gw,
		&fakeSettings{cfg: domain.FeeConfig{BasisPoints: 250, MinimumFee: 100}},
		events,
		clk,
		log,
		WithSettlementRetryPolicy(testRetry),
	)
	return &settlementFixture{svc: svc, auctions: store, repo: repo, gw: gw, events: events}
}

func TestSettlementService_Settle(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	due := domain.Auction{ID: "auction-1", Status: domain.AuctionStatusActive, EndAt: now.Add(-time.Minute)}

	authorized := func(id, user, ref string) domain.Deposit {
		return domain.Deposit{ID: id, UserID: user, AuctionID: "auction-1", Amount: 50000, Currency: "thb", Status: domain.DepositStatusAuthorized, ExternalRef: ref}
	}

	t.Run("captures winner and releases the rest", func(t *testing.T) {
		fix := newSettlementFixture(t, now,
			[]domain.Auction{due},
			[]domain.Bid{
				{ID: "bid-1", AuctionID: "auction-1", UserID: "user-1", Amount: 90000, CreatedAt: now.Add(-time.Hour)},
				{ID: "bid-2", AuctionID: "auction-1", UserID: "user-2", Amount: 120000, CreatedAt: now.Add(-30 * time.Minute)},
			},
			[]domain.Deposit{
				authorized("dep-1", "user-1", "ch_1"),
				authorized("dep-2", "user-2", "ch_2"),
				authorized("dep-3", "user-3", "ch_3"),
			},
		)

		summary, err := fix.svc.Settle(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Outcome != OutcomeWinner || summary.WinnerUserID != "user-2" || summary.WinningBid != 120000 {
			t.Fatalf("unexpected summary %+v", summary)
		}
		if summary.Captured != 1 || summary.Cancelled != 2 || summary.Failed != 0 {
			t.Fatalf("unexpected counts %+v", summary)
		}
		// 2.5% of the 50000 deposit.
		if summary.CapturedFee != 1250 {
			t.Fatalf("expected fee 1250, got %d", summary.CapturedFee)
		}

		if got := fix.repo.get("dep-2").Status; got != domain.DepositStatusCaptured {
			t.Fatalf("winner deposit: expected captured, got %s", got)
		}
		for _, id := range []string{"dep-1", "dep-3"} {
			d := fix.repo.get(id)
			if d.Status != domain.DepositStatusCancelled || d.CancelReason != "not_winner" {
				t.Fatalf("loser deposit %s: %+v", id, d)
			}
		}

		if refs := sortedRefs(fix.gw.callsFor("capture")); len(refs) != 1 || refs[0] != "ch_2" {
			t.Fatalf("unexpected capture calls %v", refs)
		}
		if refs := sortedRefs(fix.gw.callsFor("cancel")); len(refs) != 2 || refs[0] != "ch_1" || refs[1] != "ch_3" {
			t.Fatalf("unexpected cancel calls %v", refs)
		}

		a := fix.auctions.get("auction-1")
		if a.Status != domain.AuctionStatusCompleted || a.ProcessedAt == nil {
			t.Fatalf("unexpected auction %+v", a)
		}
	})

	t.Run("no bids releases every deposit", func(t *testing.T) {
		fix := newSettlementFixture(t, now, []domain.Auction{due}, nil, []domain.Deposit{
			authorized("dep-1", "user-1", "ch_1"),
			authorized("dep-2", "user-2", "ch_2"),
		})

		summary, err := fix.svc.Settle(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Outcome != OutcomeNoWinner || summary.Cancelled != 2 || summary.Captured != 0 {
			t.Fatalf("unexpected summary %+v", summary)
		}
		for _, id := range []string{"dep-1", "dep-2"} {
			d := fix.repo.get(id)
			if d.Status != domain.DepositStatusCancelled || d.CancelReason != "no_winner" {
				t.Fatalf("deposit %s: %+v", id, d)
			}
		}
		if fix.auctions.get("auction-1").Status != domain.AuctionStatusCompleted {
			t.Fatalf("auction should complete even without a winner")
		}
	})

	t.Run("not yet due", func(t *testing.T) {
		fix := newSettlementFixture(t, now, []domain.Auction{
			{ID: "auction-1", Status: domain.AuctionStatusActive, EndAt: now.Add(time.Hour)},
		}, nil, nil)

		if _, err := fix.svc.Settle(context.Background(), "auction-1"); err != domain.ErrAuctionNotClaimable {
			t.Fatalf("expected ErrAuctionNotClaimable, got %v", err)
		}
		if fix.auctions.get("auction-1").Status != domain.AuctionStatusActive {
			t.Fatalf("auction must stay active")
		}
	})

	t.Run("already settled", func(t *testing.T) {
		processed := now.Add(-time.Hour)
		fix := newSettlementFixture(t, now, []domain.Auction{
			{ID: "auction-1", Status: domain.AuctionStatusCompleted, EndAt: now.Add(-2 * time.Hour), ProcessedAt: &processed},
		}, nil, nil)

		if _, err := fix.svc.Settle(context.Background(), "auction-1"); err != domain.ErrAuctionNotClaimable {
			t.Fatalf("expected ErrAuctionNotClaimable, got %v", err)
		}
	})

	t.Run("unknown auction", func(t *testing.T) {
		fix := newSettlementFixture(t, now, nil, nil, nil)

		if _, err := fix.svc.Settle(context.Background(), "auction-404"); err != domain.ErrAuctionNotFound {
			t.Fatalf("expected ErrAuctionNotFound, got %v", err)
		}
	})

	t.Run("winner capture declined still completes auction", func(t *testing.T) {
		fix := newSettlementFixture(t, now,
			[]domain.Auction{due},
			[]domain.Bid{{ID: "bid-1", AuctionID: "auction-1", UserID: "user-1", Amount: 90000, CreatedAt: now.Add(-time.Hour)}},
			[]domain.Deposit{
				authorized("dep-1", "user-1", "ch_1"),
				authorized("dep-2", "user-2", "ch_2"),
			},
		)
		fix.gw.captureErrs["ch_1"] = []error{payment.Declined(errors.New("card expired"))}

		summary, err := fix.svc.Settle(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Outcome != OutcomeNoWinner || summary.Failed != 1 || summary.Cancelled != 1 {
			t.Fatalf("unexpected summary %+v", summary)
		}

		winner := fix.repo.get("dep-1")
		if winner.Status != domain.DepositStatusFailed || winner.FailReason != "capture_declined" {
			t.Fatalf("unexpected winner deposit %+v", winner)
		}
		if fix.auctions.get("auction-1").Status != domain.AuctionStatusCompleted {
			t.Fatalf("auction must still finalize")
		}
		if len(fix.gw.callsFor("capture")) != 1 {
			t.Fatalf("declines must not be retried")
		}
	})

	t.Run("transient capture errors retried with same key", func(t *testing.T) {
		fix := newSettlementFixture(t, now,
			[]domain.Auction{due},
			[]domain.Bid{{ID: "bid-1", AuctionID: "auction-1", UserID: "user-1", Amount: 90000, CreatedAt: now.Add(-time.Hour)}},
			[]domain.Deposit{authorized("dep-1", "user-1", "ch_1")},
		)
		fix.gw.captureErrs["ch_1"] = []error{
			payment.Transient(errors.New("timeout")),
			payment.Transient(errors.New("timeout")),
		}

		summary, err := fix.svc.Settle(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Outcome != OutcomeWinner || summary.Captured != 1 {
			t.Fatalf("unexpected summary %+v", summary)
		}

		calls := fix.gw.callsFor("capture")
		if len(calls) != 3 {
			t.Fatalf("expected 3 capture attempts, got %d", len(calls))
		}
		for _, c := range calls {
			if c.key != captureKey("dep-1") {
				t.Fatalf("idempotency key changed across retries: %s", c.key)
			}
		}
	})

	t.Run("already captured hold is treated as success", func(t *testing.T) {
		fix := newSettlementFixture(t, now,
			[]domain.Auction{due},
			[]domain.Bid{{ID: "bid-1", AuctionID: "auction-1", UserID: "user-1", Amount: 90000, CreatedAt: now.Add(-time.Hour)}},
			[]domain.Deposit{authorized("dep-1", "user-1", "ch_1")},
		)
		fix.gw.captureErrs["ch_1"] = []error{payment.AlreadyFinalized(errors.New("already captured"))}

		summary, err := fix.svc.Settle(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Captured != 1 || summary.Outcome != OutcomeWinner {
			t.Fatalf("unexpected summary %+v", summary)
		}
	})

	t.Run("pending deposit cancelled without gateway call", func(t *testing.T) {
		fix := newSettlementFixture(t, now, []domain.Auction{due}, nil, []domain.Deposit{
			{ID: "dep-1", UserID: "user-1", AuctionID: "auction-1", Amount: 50000, Currency: "thb", Status: domain.DepositStatusPending},
		})

		summary, err := fix.svc.Settle(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Cancelled != 1 {
			t.Fatalf("unexpected summary %+v", summary)
		}
		d := fix.repo.get("dep-1")
		if d.Status != domain.DepositStatusCancelled || d.CancelReason != "never_authorized" {
			t.Fatalf("unexpected deposit %+v", d)
		}
		if len(fix.gw.calls) != 0 {
			t.Fatalf("no gateway call expected for a pending deposit")
		}
	})

	t.Run("terminal deposits are skipped", func(t *testing.T) {
		fix := newSettlementFixture(t, now, []domain.Auction{due}, nil, []domain.Deposit{
			{ID: "dep-1", UserID: "user-1", AuctionID: "auction-1", Status: domain.DepositStatusCancelled, ExternalRef: "ch_1"},
			{ID: "dep-2", UserID: "user-2", AuctionID: "auction-1", Status: domain.DepositStatusFailed, ExternalRef: "ch_2"},
		})

		summary, err := fix.svc.Settle(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Skipped != 2 || summary.Cancelled != 0 {
			t.Fatalf("unexpected summary %+v", summary)
		}
		if len(fix.gw.calls) != 0 {
			t.Fatalf("no gateway calls expected")
		}
	})

	t.Run("concurrent settles admit exactly one", func(t *testing.T) {
		fix := newSettlementFixture(t, now, []domain.Auction{due}, nil, []domain.Deposit{
			authorized("dep-1", "user-1", "ch_1"),
		})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = fix.svc.Settle(context.Background(), "auction-1")
			}()
		}
		wg.Wait()

		var won, lost int
		for _, err := range errs {
			switch err {
			case nil:
				won++
			case domain.ErrAuctionNotClaimable:
				lost++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if won != 1 || lost != 1 {
			t.Fatalf("expected exactly one winner, got won=%d lost=%d", won, lost)
		}
		if len(fix.gw.callsFor("cancel")) != 1 {
			t.Fatalf("deposit must be released exactly once")
		}
	})

	t.Run("publishes settlement event", func(t *testing.T) {
		fix := newSettlementFixture(t, now,
			[]domain.Auction{due},
			[]domain.Bid{{ID: "bid-1", AuctionID: "auction-1", UserID: "user-1", Amount: 90000, CreatedAt: now.Add(-time.Hour)}},
			[]domain.Deposit{authorized("dep-1", "user-1", "ch_1")},
		)

		if _, err := fix.svc.Settle(context.Background(), "auction-1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			if keys := fix.events.keys(); len(keys) > 0 {
				if keys[0] != "settlement.completed" {
					t.Fatalf("unexpected event key %s", keys[0])
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("settlement event never published")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}

func TestSettlementService_Withdraw(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("releases all deposits and cancels auction", func(t *testing.T) {
		fix := newSettlementFixture(t, now,
			[]domain.Auction{{ID: "auction-1", Status: domain.AuctionStatusActive, EndAt: now.Add(time.Hour)}},
			[]domain.Bid{{ID: "bid-1", AuctionID: "auction-1", UserID: "user-1", Amount: 90000, CreatedAt: now.Add(-time.Hour)}},
			[]domain.Deposit{
				{ID: "dep-1", UserID: "user-1", AuctionID: "auction-1", Amount: 50000, Currency: "thb", Status: domain.DepositStatusAuthorized, ExternalRef: "ch_1"},
				{ID: "dep-2", UserID: "user-2", AuctionID: "auction-1", Amount: 50000, Currency: "thb", Status: domain.DepositStatusAuthorized, ExternalRef: "ch_2"},
			},
		)

		summary, err := fix.svc.Withdraw(context.Background(), "auction-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if summary.Outcome != OutcomeWithdrawn || summary.Cancelled != 2 || summary.Captured != 0 {
			t.Fatalf("unexpected summary %+v", summary)
		}

		// Even the highest bidder's deposit is released on withdrawal.
		for _, id := range []string{"dep-1", "dep-2"} {
			d := fix.repo.get(id)
			if d.Status != domain.DepositStatusCancelled || d.CancelReason != "auction_withdrawn" {
				t.Fatalf("deposit %s: %+v", id, d)
			}
		}
		if len(fix.gw.callsFor("capture")) != 0 {
			t.Fatalf("withdrawal must never capture")
		}

		a := fix.auctions.get("auction-1")
		if a.Status != domain.AuctionStatusCancelled || a.ProcessedAt == nil {
			t.Fatalf("unexpected auction %+v", a)
		}
	})

	t.Run("terminal auction is not withdrawable", func(t *testing.T) {
		fix := newSettlementFixture(t, now, []domain.Auction{
			{ID: "auction-1", Status: domain.AuctionStatusCompleted, EndAt: now.Add(-time.Hour)},
		}, nil, nil)

		if _, err := fix.svc.Withdraw(context.Background(), "auction-1"); err != domain.ErrAuctionNotClaimable {
			t.Fatalf("expected ErrAuctionNotClaimable, got %v", err)
		}
	})
}

func TestSettlementService_RunDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fix := newSettlementFixture(t, now,
		[]domain.Auction{
			{ID: "auction-1", Status: domain.AuctionStatusActive, EndAt: now.Add(-time.Minute)},
			{ID: "auction-2", Status: domain.AuctionStatusActive, EndAt: now.Add(-time.Second)},
			{ID: "auction-3", Status: domain.AuctionStatusActive, EndAt: now.Add(time.Hour)},
		},
		nil,
		[]domain.Deposit{
			{ID: "dep-1", UserID: "user-1", AuctionID: "auction-1", Amount: 50000, Currency: "thb", Status: domain.DepositStatusAuthorized, ExternalRef: "ch_1"},
		},
	)

	settled, err := fix.svc.RunDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if settled != 2 {
		t.Fatalf("expected 2 settled, got %d", settled)
	}

	if fix.auctions.get("auction-1").Status != domain.AuctionStatusCompleted {
		t.Fatalf("auction-1 should be completed")
	}
	if fix.auctions.get("auction-2").Status != domain.AuctionStatusCompleted {
		t.Fatalf("auction-2 should be completed")
	}
	if fix.auctions.get("auction-3").Status != domain.AuctionStatusActive {
		t.Fatalf("auction-3 must stay active")
	}
}

// Full lifecycle against a moving clock: the deposit goes in while the
// auction is open, settlement happens once time passes its end.
func TestSettlement_DepositLifecycle(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMutable(start)
	log := logger.NewNop()

	store := newFakeAuctionStore([]domain.Auction{
		{ID: "auction-1", Status: domain.AuctionStatusActive, EndAt: start.Add(time.Hour)},
	})
	repo := newFakeDepositRepo(nil)
	gw := newFakeGateway()

	ledger := NewDepositService(repo, store, gw, clk, log, WithDepositRetryPolicy(testRetry))
	svc := NewSettlementService(
		store,
		&fakeBidStore{bids: []domain.Bid{{ID: "bid-1", AuctionID: "auction-1", UserID: "user-1", Amount: 90000, CreatedAt: start}}},
		ledger,
		gw,
		&fakeSettings{},
		nil,
		clk,
		log,
		WithSettlementRetryPolicy(testRetry),
	)

	dep, err := ledger.Create(context.Background(), CreateDepositInput{
		UserID:        "user-1",
		AuctionID:     "auction-1",
		Amount:        50000,
		Currency:      "thb",
		PaymentMethod: "tok_1",
	})
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}

	// Not due yet.
	if _, err := svc.Settle(context.Background(), "auction-1"); err != domain.ErrAuctionNotClaimable {
		t.Fatalf("expected ErrAuctionNotClaimable before end time, got %v", err)
	}

	clk.Advance(2 * time.Hour)

	summary, err := svc.Settle(context.Background(), "auction-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if summary.Outcome != OutcomeWinner || summary.Captured != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := repo.get(dep.ID).Status; got != domain.DepositStatusCaptured {
		t.Fatalf("expected captured, got %s", got)
	}
}

// fakeAuctionStore mirrors the claim CAS semantics of the Postgres repository.
type fakeAuctionStore struct {
	mu       sync.Mutex
	auctions map[string]domain.Auction
}

func newFakeAuctionStore(auctions []domain.Auction) *fakeAuctionStore {
	f := &fakeAuctionStore{auctions: make(map[string]domain.Auction)}
	for _, a := range auctions {
		f.auctions[a.ID] = a
	}
	return f
}

func (f *fakeAuctionStore) get(id string) domain.Auction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auctions[id]
}

func (f *fakeAuctionStore) GetAuction(_ context.Context, id string) (domain.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return domain.Auction{}, domain.ErrAuctionNotFound
	}
	return a, nil
}

func (f *fakeAuctionStore) ClaimDue(_ context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok || a.Status != domain.AuctionStatusActive || a.EndAt.After(now) {
		return false, nil
	}
	a.Status = domain.AuctionStatusProcessing
	f.auctions[id] = a
	return true, nil
}

func (f *fakeAuctionStore) ClaimImmediate(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok || a.Status != domain.AuctionStatusActive {
		return false, nil
	}
	a.Status = domain.AuctionStatusProcessing
	f.auctions[id] = a
	return true, nil
}

func (f *fakeAuctionStore) Finalize(_ context.Context, id string, status domain.AuctionStatus, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return domain.ErrAuctionNotFound
	}
	if a.Status != domain.AuctionStatusProcessing {
		return domain.ErrInvalidTransition
	}
	a.Status = status
	a.ProcessedAt = &now
	f.auctions[id] = a
	return nil
}

func (f *fakeAuctionStore) ListDueAuctions(_ context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Auction
	for _, a := range f.auctions {
		if a.Status == domain.AuctionStatusActive && !a.EndAt.After(now) {
			out = append(out, a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeBidStore struct {
	bids []domain.Bid
	err  error
}

// HighestBid applies the winner ordering: amount desc, created_at asc, id asc.
func (f *fakeBidStore) HighestBid(_ context.Context, auctionID string) (*domain.Bid, error) {
	if f.err != nil {
		return nil, f.err
	}
	var best *domain.Bid
	for i := range f.bids {
		b := f.bids[i]
		if b.AuctionID != auctionID {
			continue
		}
		if best == nil ||
			b.Amount > best.Amount ||
			(b.Amount == best.Amount && b.CreatedAt.Before(best.CreatedAt)) ||
			(b.Amount == best.Amount && b.CreatedAt.Equal(best.CreatedAt) && b.ID < best.ID) {
			best = &b
		}
	}
	return best, nil
}

type fakeSettings struct {
	cfg domain.FeeConfig
	err error
}

func (f *fakeSettings) FeeConfig(_ context.Context) (domain.FeeConfig, error) {
	if f.err != nil {
		return domain.FeeConfig{}, f.err
	}
	return f.cfg, nil
}

type fakeEvents struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeEvents) PublishJSON(_ context.Context, key string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, key)
	return nil
}

func (f *fakeEvents) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	copy(out, f.published)
	return out
}
