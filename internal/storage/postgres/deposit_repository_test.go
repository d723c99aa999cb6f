package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohammednour-ai/matex/internal/domain"
	"github.com/mohammednour-ai/matex/internal/testutil"
)

func TestDepositRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	repo := NewDepositRepository(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	now := time.Now().UTC().Truncate(time.Microsecond)

	seed := func(t *testing.T, ctx context.Context) (userID, auctionID string) {
		t.Helper()
		testutil.TruncateAll(t, ctx, pool)
		userID = testutil.InsertProfile(t, ctx, pool, "Bidder")
		auctionID = testutil.InsertAuction(t, ctx, pool, testutil.InsertProfile(t, ctx, pool, "Seller"), domain.AuctionStatusActive, now.Add(time.Hour))
		return
	}

	newDeposit := func(userID, auctionID string) domain.Deposit {
		return domain.Deposit{
			ID:        uuid.NewString(),
			UserID:    userID,
			AuctionID: auctionID,
			Amount:    50000,
			Currency:  "thb",
			Status:    domain.DepositStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		userID, auctionID := seed(t, ctx)

		dep := newDeposit(userID, auctionID)
		if err := repo.CreateDeposit(ctx, dep); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := repo.GetDeposit(ctx, dep.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.DepositStatusPending || got.Amount != 50000 || got.ExternalRef != "" {
			t.Fatalf("unexpected deposit %+v", got)
		}

		if _, err := repo.GetDeposit(ctx, uuid.NewString()); err != domain.ErrDepositNotFound {
			t.Fatalf("expected ErrDepositNotFound, got %v", err)
		}
		if _, err := repo.GetDeposit(ctx, "not-a-uuid"); err != domain.ErrInvalidID {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
	})

	t.Run("one deposit per user and auction", func(t *testing.T) {
		ctx := context.Background()
		userID, auctionID := seed(t, ctx)

		if err := repo.CreateDeposit(ctx, newDeposit(userID, auctionID)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := repo.CreateDeposit(ctx, newDeposit(userID, auctionID)); err != domain.ErrDepositExists {
			t.Fatalf("expected ErrDepositExists, got %v", err)
		}
	})

	t.Run("create against missing auction", func(t *testing.T) {
		ctx := context.Background()
		userID, _ := seed(t, ctx)

		if err := repo.CreateDeposit(ctx, newDeposit(userID, uuid.NewString())); err != domain.ErrAuctionNotFound {
			t.Fatalf("expected ErrAuctionNotFound, got %v", err)
		}
	})

	t.Run("authorize transition and uniqueness", func(t *testing.T) {
		ctx := context.Background()
		userID, auctionID := seed(t, ctx)

		dep := newDeposit(userID, auctionID)
		if err := repo.CreateDeposit(ctx, dep); err != nil {
			t.Fatalf("create: %v", err)
		}

		ok, err := repo.SetAuthorized(ctx, dep.ID, "ch_1", now)
		if err != nil || !ok {
			t.Fatalf("set authorized: ok=%v err=%v", ok, err)
		}

		got, err := repo.GetDepositByExternalRef(ctx, "ch_1")
		if err != nil || got.ID != dep.ID {
			t.Fatalf("get by ref: %+v %v", got, err)
		}

		// Second transition finds no pending row.
		ok, err = repo.SetAuthorized(ctx, dep.ID, "ch_2", now)
		if err != nil || ok {
			t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
		}

		// Another deposit cannot claim the same reference.
		other := newDeposit(testutil.InsertProfile(t, ctx, pool, "Other"), auctionID)
		if err := repo.CreateDeposit(ctx, other); err != nil {
			t.Fatalf("create other: %v", err)
		}
		if _, err := repo.SetAuthorized(ctx, other.ID, "ch_1", now); err != domain.ErrAuthorizationMismatch {
			t.Fatalf("expected ErrAuthorizationMismatch, got %v", err)
		}
	})

	t.Run("capture cancel and fail are conditional", func(t *testing.T) {
		ctx := context.Background()
		userID, auctionID := seed(t, ctx)

		dep := newDeposit(userID, auctionID)
		if err := repo.CreateDeposit(ctx, dep); err != nil {
			t.Fatalf("create: %v", err)
		}

		// Capture from pending must not match.
		if ok, err := repo.SetCaptured(ctx, dep.ID, now); err != nil || ok {
			t.Fatalf("capture from pending: ok=%v err=%v", ok, err)
		}

		if ok, err := repo.SetAuthorized(ctx, dep.ID, "ch_1", now); err != nil || !ok {
			t.Fatalf("authorize: ok=%v err=%v", ok, err)
		}
		if ok, err := repo.SetCaptured(ctx, dep.ID, now); err != nil || !ok {
			t.Fatalf("capture: ok=%v err=%v", ok, err)
		}

		got, err := repo.GetDeposit(ctx, dep.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.DepositStatusCaptured || got.CapturedAt == nil {
			t.Fatalf("unexpected deposit %+v", got)
		}

		// Terminal rows never transition again.
		if ok, _ := repo.SetCancelled(ctx, dep.ID, domain.DepositStatusAuthorized, "late", now); ok {
			t.Fatalf("cancel of captured deposit must not match")
		}
		if ok, _ := repo.SetFailed(ctx, dep.ID, "late", now); ok {
			t.Fatalf("fail of captured deposit must not match")
		}
	})

	t.Run("cancel records reason and timestamp", func(t *testing.T) {
		ctx := context.Background()
		userID, auctionID := seed(t, ctx)

		dep := newDeposit(userID, auctionID)
		if err := repo.CreateDeposit(ctx, dep); err != nil {
			t.Fatalf("create: %v", err)
		}
		if ok, err := repo.SetCancelled(ctx, dep.ID, domain.DepositStatusPending, "never_authorized", now); err != nil || !ok {
			t.Fatalf("cancel pending: ok=%v err=%v", ok, err)
		}

		got, err := repo.GetDeposit(ctx, dep.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.DepositStatusCancelled || got.CancelReason != "never_authorized" || got.CancelledAt == nil {
			t.Fatalf("unexpected deposit %+v", got)
		}
	})

	t.Run("list by auction and by user", func(t *testing.T) {
		ctx := context.Background()
		userID, auctionID := seed(t, ctx)
		otherUser := testutil.InsertProfile(t, ctx, pool, "Other")

		first := newDeposit(userID, auctionID)
		second := newDeposit(otherUser, auctionID)
		for _, d := range []domain.Deposit{first, second} {
			if err := repo.CreateDeposit(ctx, d); err != nil {
				t.Fatalf("create: %v", err)
			}
		}

		all, err := repo.ListDepositsByAuction(ctx, auctionID)
		if err != nil {
			t.Fatalf("list by auction: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 deposits, got %d", len(all))
		}

		mine, err := repo.ListDepositsByUserAndAuctions(ctx, userID, []string{auctionID})
		if err != nil {
			t.Fatalf("list by user: %v", err)
		}
		if len(mine) != 1 || mine[0].ID != first.ID {
			t.Fatalf("unexpected deposits %+v", mine)
		}

		found, err := repo.FindDepositByUserAndAuction(ctx, userID, auctionID)
		if err != nil || found == nil || found.ID != first.ID {
			t.Fatalf("find: %+v %v", found, err)
		}
		missing, err := repo.FindDepositByUserAndAuction(ctx, userID, uuid.NewString())
		if err != nil || missing != nil {
			t.Fatalf("expected nil for missing pair, got %+v %v", missing, err)
		}
	})
}
