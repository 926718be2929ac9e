package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Reaper expires pending operations whose deadline has passed.
//
// An expiry counts as a retryable failure with reason "expired": the retry
// count is incremented and an operation that reaches the retry budget is
// dead-lettered. Others are left in status failed until an operator revives
// or exports them. Processing operations are never expired.
type Reaper struct {
	store Store
	opts  options
}

// NewReaper creates a Reaper over store.
func NewReaper(store Store, opts ...Option) *Reaper {
	return &Reaper{store: store, opts: buildOptions(opts)}
}

// ExpireOverdue runs one sweep and returns how many operations it touched
// (failed plus dead-lettered).
func (r *Reaper) ExpireOverdue(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "queue.ExpireOverdue")
	defer span.End()

	res, err := r.store.ExpireOverdue(ctx, r.opts.now().UTC(), r.opts.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("expire overdue: %w", err)
	}

	total := res.Expired + res.DeadLettered
	span.SetAttributes(
		attribute.Int("reaper.expired", res.Expired),
		attribute.Int("reaper.dead_lettered", res.DeadLettered),
	)
	if total > 0 {
		r.opts.recorder.Expired(res.Expired)
		r.opts.recorder.DeadLettered(res.DeadLettered)
		r.opts.logger.Info("expired overdue operations",
			slog.Int("expired", res.Expired),
			slog.Int("dead_lettered", res.DeadLettered),
		)
	}
	return total, nil
}

// Run sweeps every interval until ctx is done. Sweep errors are logged and
// the loop continues.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.opts.logger.Info("reaper starting", slog.Duration("interval", interval))
	for {
		if _, err := r.ExpireOverdue(ctx); err != nil && ctx.Err() == nil {
			r.opts.logger.Error("reaper sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			r.opts.logger.Info("reaper stopping: context cancelled")
			return nil
		case <-ticker.C:
		}
	}
}
