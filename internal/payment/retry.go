package payment

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient gateway failures. Declined and
// already-finalized outcomes are never retried; the idempotency key is reused
// across attempts so a timed-out call that actually landed is not duplicated.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
}

// DefaultRetryPolicy: 3 attempts total with short exponential backoff.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond}

// Do runs fn, retrying while it returns a transient gateway error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}
