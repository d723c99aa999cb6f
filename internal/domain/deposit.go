package domain

import "time"

type DepositStatus string

const (
	DepositStatusPending    DepositStatus = "pending"
	DepositStatusAuthorized DepositStatus = "authorized"
	DepositStatusCaptured   DepositStatus = "captured"
	DepositStatusCancelled  DepositStatus = "cancelled"
	DepositStatusFailed     DepositStatus = "failed"
)

// DepositStatusNone is reported by status queries when no deposit exists for
// a (user, auction) pair. It is never stored.
const DepositStatusNone DepositStatus = "none"

// Deposit is a refundable hold a bidder places before bidding on an auction.
// At most one deposit exists per (user, auction) pair.
type Deposit struct {
	ID        string
	UserID    string
	AuctionID string
	// Amount is in minor units of Currency (e.g. satang, cents).
	Amount   int64
	Currency string
	Status   DepositStatus
	// ExternalRef is the payment gateway's authorization reference. Empty
	// until the deposit is authorized; unique across all deposits once set.
	ExternalRef  string
	FailReason   string
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CapturedAt   *time.Time
	CancelledAt  *time.Time
}

// Terminal reports whether the deposit can no longer transition.
func (d Deposit) Terminal() bool {
	switch d.Status {
	case DepositStatusCaptured, DepositStatusCancelled, DepositStatusFailed:
		return true
	}
	return false
}
