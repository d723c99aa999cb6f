package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohammednour-ai/matex/internal/domain"
)

type AuctionRepository struct {
	pool *pgxpool.Pool
}

func NewAuctionRepository(pool *pgxpool.Pool) *AuctionRepository {
	return &AuctionRepository{pool: pool}
}

func (r *AuctionRepository) GetAuction(ctx context.Context, id string) (domain.Auction, error) {
	const query = `
SELECT id, listing_id, status, end_at, processed_at, created_at
FROM auctions
WHERE id = $1`

	var a domain.Auction
	err := r.queryRow(ctx, query, id).
		Scan(&a.ID, &a.ListingID, &a.Status, &a.EndAt, &a.ProcessedAt, &a.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Auction{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Auction{}, domain.ErrAuctionNotFound
		}
		return domain.Auction{}, fmt.Errorf("get auction: %w", err)
	}
	return a, nil
}

// ClaimDue is the settlement claim mutex: an atomic compare-and-swap from
// active to processing, granted only when the auction's end time has passed.
// Exactly one caller observes true per auction; everyone else skips it.
func (r *AuctionRepository) ClaimDue(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE auctions
SET status = 'processing'
WHERE id = $1 AND status = 'active' AND end_at <= $2`

	tag, err := r.exec(ctx, stmt, id, now)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("claim auction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimImmediate claims an active auction regardless of its end time, for
// administrative withdrawal.
func (r *AuctionRepository) ClaimImmediate(ctx context.Context, id string) (bool, error) {
	const stmt = `
UPDATE auctions
SET status = 'processing'
WHERE id = $1 AND status = 'active'`

	tag, err := r.exec(ctx, stmt, id)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("claim auction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize performs the terminal processing → completed|cancelled transition
// and stamps processed_at exactly once.
func (r *AuctionRepository) Finalize(ctx context.Context, id string, status domain.AuctionStatus, now time.Time) error {
	if status != domain.AuctionStatusCompleted && status != domain.AuctionStatusCancelled {
		return domain.ErrInvalidTransition
	}

	const stmt = `
UPDATE auctions
SET status = $2, processed_at = $3
WHERE id = $1 AND status = 'processing'`

	tag, err := r.exec(ctx, stmt, id, status, now)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("finalize auction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetAuction(ctx, id); getErr != nil {
			return getErr
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

// ListDueAuctions enumerates active auctions whose end time has passed, via
// the (end_at, status) index.
func (r *AuctionRepository) ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	const query = `
SELECT id, listing_id, status, end_at, processed_at, created_at
FROM auctions
WHERE status = 'active' AND end_at <= $1
ORDER BY end_at
LIMIT $2`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due auctions: %w", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		var a domain.Auction
		if err := rows.Scan(&a.ID, &a.ListingID, &a.Status, &a.EndAt, &a.ProcessedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due auctions: %w", err)
	}
	return out, nil
}

func (r *AuctionRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *AuctionRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *AuctionRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
