package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohammednour-ai/matex/internal/domain"
)

type BidRepository struct {
	pool *pgxpool.Pool
}

func NewBidRepository(pool *pgxpool.Pool) *BidRepository {
	return &BidRepository{pool: pool}
}

// HighestBid returns the winning bid for an auction: highest amount,
// tie-break earliest placement, then id for a total order. Nil when the
// auction has no bids.
func (r *BidRepository) HighestBid(ctx context.Context, auctionID string) (*domain.Bid, error) {
	const query = `
SELECT id, auction_id, user_id, amount, currency, created_at
FROM bids
WHERE auction_id = $1
ORDER BY amount DESC, created_at ASC, id ASC
LIMIT 1`

	var b domain.Bid
	err := r.queryRow(ctx, query, auctionID).
		Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.Currency, &b.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("highest bid: %w", err)
	}
	return &b, nil
}

func (r *BidRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
