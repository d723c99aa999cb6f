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

const (
	constraintDepositUserAuction = "deposits_user_id_auction_id_key"
	constraintDepositExternalRef = "deposits_external_ref_key"
)

const depositColumns = `id, user_id, auction_id, amount, currency, status, external_ref,
fail_reason, cancel_reason, created_at, updated_at, captured_at, cancelled_at`

type DepositRepository struct {
	pool *pgxpool.Pool
}

func NewDepositRepository(pool *pgxpool.Pool) *DepositRepository {
	return &DepositRepository{pool: pool}
}

func (r *DepositRepository) CreateDeposit(ctx context.Context, d domain.Deposit) error {
	const stmt = `
INSERT INTO deposits (id, user_id, auction_id, amount, currency, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.exec(ctx, stmt,
		d.ID,
		d.UserID,
		d.AuctionID,
		d.Amount,
		d.Currency,
		d.Status,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if uniqueConstraint(err) == constraintDepositUserAuction {
			return domain.ErrDepositExists
		}
		if isForeignKeyViolation(err) {
			return domain.ErrAuctionNotFound
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create deposit: %w", err)
	}
	return nil
}

func (r *DepositRepository) GetDeposit(ctx context.Context, id string) (domain.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE id = $1`
	d, err := scanDeposit(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Deposit{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Deposit{}, domain.ErrDepositNotFound
		}
		return domain.Deposit{}, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

func (r *DepositRepository) GetDepositByExternalRef(ctx context.Context, externalRef string) (domain.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE external_ref = $1`
	d, err := scanDeposit(r.queryRow(ctx, query, externalRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Deposit{}, domain.ErrDepositNotFound
		}
		return domain.Deposit{}, fmt.Errorf("get deposit by external ref: %w", err)
	}
	return d, nil
}

func (r *DepositRepository) FindDepositByUserAndAuction(ctx context.Context, userID, auctionID string) (*domain.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE user_id = $1 AND auction_id = $2`
	d, err := scanDeposit(r.queryRow(ctx, query, userID, auctionID))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find deposit by user and auction: %w", err)
	}
	return &d, nil
}

func (r *DepositRepository) ListDepositsByAuction(ctx context.Context, auctionID string) ([]domain.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE auction_id = $1 ORDER BY created_at`
	rows, err := r.query(ctx, query, auctionID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list deposits by auction: %w", err)
	}
	defer rows.Close()

	var out []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list deposits by auction: %w", err)
	}
	return out, nil
}

func (r *DepositRepository) ListDepositsByUserAndAuctions(ctx context.Context, userID string, auctionIDs []string) ([]domain.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE user_id = $1 AND auction_id = ANY($2)`
	rows, err := r.query(ctx, query, userID, auctionIDs)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list deposits by user: %w", err)
	}
	defer rows.Close()

	var out []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list deposits by user: %w", err)
	}
	return out, nil
}

// SetAuthorized performs the conditional pending → authorized transition.
// Returns false when the deposit was not in pending; the caller decides
// between a no-op retry and an invalid transition.
func (r *DepositRepository) SetAuthorized(ctx context.Context, id, externalRef string, now time.Time) (bool, error) {
	const stmt = `
UPDATE deposits
SET status = 'authorized', external_ref = $2, updated_at = $3
WHERE id = $1 AND status = 'pending'`

	tag, err := r.exec(ctx, stmt, id, externalRef, now)
	if err != nil {
		if uniqueConstraint(err) == constraintDepositExternalRef {
			return false, domain.ErrAuthorizationMismatch
		}
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("set authorized: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *DepositRepository) SetCaptured(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE deposits
SET status = 'captured', captured_at = $2, updated_at = $2
WHERE id = $1 AND status = 'authorized'`

	tag, err := r.exec(ctx, stmt, id, now)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("set captured: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetCancelled transitions to cancelled only from the given prior status
// (authorized for gateway releases, pending for never-authorized deposits).
func (r *DepositRepository) SetCancelled(ctx context.Context, id string, from domain.DepositStatus, reason string, now time.Time) (bool, error) {
	const stmt = `
UPDATE deposits
SET status = 'cancelled', cancel_reason = $3, cancelled_at = $4, updated_at = $4
WHERE id = $1 AND status = $2`

	tag, err := r.exec(ctx, stmt, id, from, reason, now)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("set cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *DepositRepository) SetFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	const stmt = `
UPDATE deposits
SET status = 'failed', fail_reason = $2, updated_at = $3
WHERE id = $1 AND status IN ('pending', 'authorized')`

	tag, err := r.exec(ctx, stmt, id, reason, now)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("set failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDeposit(row pgx.Row) (domain.Deposit, error) {
	var d domain.Deposit
	var externalRef *string
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.AuctionID,
		&d.Amount,
		&d.Currency,
		&d.Status,
		&externalRef,
		&d.FailReason,
		&d.CancelReason,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.CapturedAt,
		&d.CancelledAt,
	)
	if err != nil {
		return domain.Deposit{}, err
	}
	if externalRef != nil {
		d.ExternalRef = *externalRef
	}
	return d, nil
}

func (r *DepositRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *DepositRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *DepositRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
