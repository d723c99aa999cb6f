// Package settler drives periodic settlement of due auctions. Any number of
// replicas may run; the claim CAS in the auction store keeps them from
// double-settling.
package settler

import (
	"context"
	"time"

	"github.com/mohammednour-ai/matex/internal/logger"
)

type Settlement interface {
	RunDue(ctx context.Context, limit int) (int, error)
}

type Runner struct {
	settlement Settlement
	log        *logger.Logger
	interval   time.Duration
	batch      int
}

func New(settlement Settlement, log *logger.Logger, interval time.Duration, batch int) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Runner{settlement: settlement, log: log, interval: interval, batch: batch}
}

// Run ticks until the context is cancelled. Errors are logged, never fatal:
// a failed tick is retried on the next one.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	settled, err := r.settlement.RunDue(ctx, r.batch)
	if err != nil {
		r.log.Error("settlement tick", "err", err)
		return
	}
	if settled > 0 {
		r.log.Info("settlement tick", "settled", settled)
	}
}
