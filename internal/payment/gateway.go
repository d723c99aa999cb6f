package payment

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the payment authorization provider: it places holds against a
// payment method and later converts or releases them. Every operation takes
// an idempotency key; a retried call with the same key must have the same
// effect as a single call and must not move money twice.
type Gateway interface {
	// Authorize places a hold and returns the provider's reference for it.
	Authorize(ctx context.Context, amount int64, currency, method, idempotencyKey string) (string, error)
	// Capture converts a hold into an actual charge.
	Capture(ctx context.Context, externalRef, idempotencyKey string) error
	// Cancel releases a hold without charging.
	Cancel(ctx context.Context, externalRef, idempotencyKey string) error
}

// Failure classifies gateway errors into the three outcomes the settlement
// logic distinguishes.
type Failure int

const (
	// FailureDeclined is fatal; the provider refused and retrying will not help.
	FailureDeclined Failure = iota
	// FailureTransient is retryable (network errors, timeouts, 5xx).
	FailureTransient
	// FailureAlreadyFinalized means the desired end state already holds;
	// callers treat it as success.
	FailureAlreadyFinalized
)

func (f Failure) String() string {
	switch f {
	case FailureDeclined:
		return "declined"
	case FailureTransient:
		return "transient"
	case FailureAlreadyFinalized:
		return "already_finalized"
	}
	return "unknown"
}

// Error wraps a provider error with its classification.
type Error struct {
	Failure Failure
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Failure, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Declined(err error) error {
	return &Error{Failure: FailureDeclined, Err: err}
}

func Transient(err error) error {
	return &Error{Failure: FailureTransient, Err: err}
}

func AlreadyFinalized(err error) error {
	return &Error{Failure: FailureAlreadyFinalized, Err: err}
}

func failureOf(err error) (Failure, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Failure, true
	}
	return 0, false
}

func IsDeclined(err error) bool {
	f, ok := failureOf(err)
	return ok && f == FailureDeclined
}

func IsTransient(err error) bool {
	f, ok := failureOf(err)
	return ok && f == FailureTransient
}

func IsAlreadyFinalized(err error) bool {
	f, ok := failureOf(err)
	return ok && f == FailureAlreadyFinalized
}
