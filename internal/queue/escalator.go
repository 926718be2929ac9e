package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// FailureResult reports what RecordFailure did.
type FailureResult struct {
	DeadLettered bool `json:"deadLettered"`
	RetryCount   int  `json:"retryCount"`
}

// Escalator records processing outcomes: success deletes the operation,
// failure either schedules a retry or moves the operation to the
// dead-letter store.
type Escalator struct {
	store Store
	opts  options
}

// NewEscalator creates an Escalator over store.
func NewEscalator(store Store, opts ...Option) *Escalator {
	return &Escalator{store: store, opts: buildOptions(opts)}
}

// MaxRetries returns the configured retry budget.
func (e *Escalator) MaxRetries() int {
	return e.opts.maxRetries
}

// Complete marks an operation as successfully applied by deleting it.
// Dependents become eligible once this returns.
func (e *Escalator) Complete(ctx context.Context, opID string) error {
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("op.id", opID))

	if err := e.store.DeleteOperation(ctx, opID); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	e.opts.recorder.Completed()
	e.opts.logger.Info("operation completed", slog.String("op_id", opID))
	return nil
}

// RecordFailure records a failed attempt. A permanent failure, or the
// attempt that reaches the retry budget, moves the operation to the
// dead-letter store atomically; otherwise it returns to pending with its
// retry count incremented.
//
// Only a claimed (processing) operation can fail; anything else returns
// model.ErrInvalidState. Calling RecordFailure again on a dead-lettered id
// returns ErrNotFound.
func (e *Escalator) RecordFailure(ctx context.Context, opID, reason string, permanent bool) (FailureResult, error) {
	ctx, span := tracer.Start(ctx, "queue.RecordFailure")
	defer span.End()
	span.SetAttributes(
		attribute.String("op.id", opID),
		attribute.Bool("failure.permanent", permanent),
	)

	out, err := e.store.FailOperation(ctx, model.Failure{
		ID:         opID,
		Reason:     reason,
		Permanent:  permanent,
		MaxRetries: e.opts.maxRetries,
		Now:        e.opts.now().UTC(),
	})
	if err != nil {
		return FailureResult{}, fmt.Errorf("record failure: %w", err)
	}

	if out.DeadLettered {
		e.opts.recorder.DeadLettered(1)
		e.opts.logger.Warn("operation dead-lettered",
			slog.String("op_id", opID),
			slog.String("reason", reason),
			slog.Int("retry_count", out.RetryCount),
			slog.Bool("permanent", permanent),
		)
	} else {
		e.opts.recorder.Retried()
		e.opts.logger.Info("operation will retry",
			slog.String("op_id", opID),
			slog.String("reason", reason),
			slog.Int("retry_count", out.RetryCount),
		)
	}
	return FailureResult{DeadLettered: out.DeadLettered, RetryCount: out.RetryCount}, nil
}

// Release returns a claimed operation to pending without charging a retry.
func (e *Escalator) Release(ctx context.Context, opID string) error {
	if err := e.store.RequeueOperation(ctx, opID); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Revive puts a failed (expired) operation back in the schedule. ttl > 0
// sets a new deadline relative to now; otherwise the deadline is cleared.
func (e *Escalator) Revive(ctx context.Context, opID string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := e.opts.now().UTC().Add(ttl)
		expiresAt = &t
	}
	if err := e.store.ReviveOperation(ctx, opID, expiresAt); err != nil {
		return fmt.Errorf("revive: %w", err)
	}
	e.opts.notifier.Notify()
	e.opts.logger.Info("operation revived", slog.String("op_id", opID))
	return nil
}

// ListDeadLetters returns dead letters, most recent failure first.
func (e *Escalator) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetter, error) {
	letters, err := e.store.ListDeadLetters(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

// RequeueDeadLetter moves a dead letter back into the live queue with a
// fresh retry budget.
func (e *Escalator) RequeueDeadLetter(ctx context.Context, queueRef string) (model.RequeueResult, error) {
	res, err := e.store.RequeueDeadLetter(ctx, queueRef)
	if err != nil {
		return model.RequeueResult{}, fmt.Errorf("requeue dead letter: %w", err)
	}
	if res.Requeued {
		e.opts.notifier.Notify()
		e.opts.logger.Info("dead letter requeued", slog.String("op_id", queueRef))
	} else {
		e.opts.logger.Info("dead letter not requeued: key is live",
			slog.String("op_id", queueRef),
			slog.String("existing_id", res.ExistingID),
		)
	}
	return res, nil
}

// ArchiveDeadLetter hides a dead letter from default listings.
func (e *Escalator) ArchiveDeadLetter(ctx context.Context, queueRef string) error {
	if err := e.store.ArchiveDeadLetter(ctx, queueRef); err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	e.opts.logger.Info("dead letter archived", slog.String("op_id", queueRef))
	return nil
}
