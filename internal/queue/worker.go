package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// OutcomeKind classifies the result of applying one operation.
type OutcomeKind int

const (
	// OutcomeSuccess means the mutation took effect; the operation is deleted.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means the attempt failed but may succeed later.
	OutcomeRetryable
	// OutcomePermanent means the operation can never succeed.
	OutcomePermanent
)

// String returns the outcome label used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is what an Applier reports for one operation.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Success reports a successful apply.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Retryable reports a transient failure.
func Retryable(reason string) Outcome { return Outcome{Kind: OutcomeRetryable, Reason: reason} }

// Permanent reports a failure that retrying cannot fix.
func Permanent(reason string) Outcome { return Outcome{Kind: OutcomePermanent, Reason: reason} }

// Applier performs the mutation an operation describes against the
// authoritative store. Apply is called outside any queue transaction and
// must be safe to repeat: an operation may be applied again if the process
// dies between Apply and Complete.
type Applier interface {
	Apply(ctx context.Context, op model.Operation) Outcome
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, op model.Operation) Outcome

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, op model.Operation) Outcome {
	return f(ctx, op)
}

// BatchResult summarises one RunOnce.
type BatchResult struct {
	Claimed      int `json:"claimed"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
	Released     int `json:"released"`
}

// Worker drains the queue: claim a batch, apply each operation, record the
// outcome.
type Worker struct {
	scheduler *Scheduler
	escalator *Escalator
	applier   Applier
	opts      options
}

// NewWorker creates a Worker. scheduler and escalator must share a store.
func NewWorker(scheduler *Scheduler, escalator *Escalator, applier Applier, opts ...Option) *Worker {
	return &Worker{
		scheduler: scheduler,
		escalator: escalator,
		applier:   applier,
		opts:      buildOptions(opts),
	}
}

// RunOnce processes a single batch of up to limit operations
// (limit <= 0 uses the configured batch size).
//
// If ctx ends mid-batch, or recording an outcome fails, operations not yet
// applied are released back to pending without charging a retry.
func (w *Worker) RunOnce(ctx context.Context, limit int) (BatchResult, error) {
	var res BatchResult
	ops, err := w.scheduler.NextBatch(ctx, limit)
	if err != nil {
		return res, err
	}
	res.Claimed = len(ops)

	for i, op := range ops {
		if ctx.Err() != nil {
			res.Released += w.release(ops[i:])
			return res, ctx.Err()
		}
		outcome, err := w.process(ctx, op)
		if err != nil {
			res.Released += w.release(ops[i+1:])
			return res, err
		}
		switch outcome {
		case outcomeSucceeded:
			res.Succeeded++
		case outcomeRetried:
			res.Retried++
		case outcomeDeadLettered:
			res.DeadLettered++
		}
	}
	return res, nil
}

type processed int

const (
	outcomeSucceeded processed = iota
	outcomeRetried
	outcomeDeadLettered
)

func (w *Worker) process(ctx context.Context, op model.Operation) (processed, error) {
	ctx, span := tracer.Start(ctx, "queue.Apply", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("op.id", op.ID),
		attribute.String("op.target_table", string(op.TargetTable)),
		attribute.String("op.kind", string(op.Kind)),
	)

	start := time.Now()
	outcome := w.safeApply(ctx, op)
	w.opts.recorder.ApplyDuration(op.TargetTable, outcome.Kind.String(), time.Since(start))
	span.SetAttributes(attribute.String("apply.outcome", outcome.Kind.String()))

	// Outcomes are recorded even if ctx was cancelled during Apply: the
	// mutation may already have taken effect.
	recordCtx := context.WithoutCancel(ctx)

	if outcome.Kind == OutcomeSuccess {
		if err := w.escalator.Complete(recordCtx, op.ID); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return 0, fmt.Errorf("worker: %w", err)
		}
		return outcomeSucceeded, nil
	}

	span.SetStatus(codes.Error, outcome.Reason)
	res, err := w.escalator.RecordFailure(recordCtx, op.ID, outcome.Reason, outcome.Kind == OutcomePermanent)
	if err != nil {
		return 0, fmt.Errorf("worker: %w", err)
	}
	span.AddEvent("failure recorded", trace.WithAttributes(
		attribute.Bool("dead_lettered", res.DeadLettered),
		attribute.Int("retry_count", res.RetryCount),
	))
	if res.DeadLettered {
		return outcomeDeadLettered, nil
	}
	return outcomeRetried, nil
}

// safeApply converts an applier panic into a retryable outcome.
func (w *Worker) safeApply(ctx context.Context, op model.Operation) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.opts.logger.Error("applier panicked",
				slog.String("op_id", op.ID),
				slog.Any("panic", r),
			)
			out = Retryable(fmt.Sprintf("applier panic: %v", r))
		}
	}()
	return w.applier.Apply(ctx, op)
}

func (w *Worker) release(ops []model.Operation) int {
	ctx := context.Background()
	released := 0
	for _, op := range ops {
		if err := w.escalator.Release(ctx, op.ID); err != nil {
			w.opts.logger.Warn("release failed", slog.String("op_id", op.ID), slog.Any("error", err))
			continue
		}
		released++
	}
	return released
}

// Run drains the queue until ctx is done. After an empty or failed batch
// it waits for the poll interval or a Notifier signal.
func (w *Worker) Run(ctx context.Context) error {
	w.opts.logger.Info("worker starting", slog.Duration("poll_interval", w.opts.pollInterval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.opts.logger.Info("worker stopping: context cancelled")
			return nil
		case <-timer.C:
		case _, ok := <-w.opts.notifier.Wait():
			if !ok {
				w.opts.logger.Info("worker stopping: notifier closed")
				return nil
			}
		}

		res, err := w.RunOnce(ctx, 0)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			w.opts.logger.Info("worker stopping: context cancelled", slog.Int("released", res.Released))
			return nil
		case err != nil:
			w.opts.logger.Error("worker batch failed", slog.Any("error", err))
		case res.Claimed > 0:
			w.opts.logger.Debug("worker batch done",
				slog.Int("claimed", res.Claimed),
				slog.Int("succeeded", res.Succeeded),
				slog.Int("retried", res.Retried),
				slog.Int("dead_lettered", res.DeadLettered),
			)
		}

		// A full batch means there is probably more work: go again at once.
		next := w.opts.pollInterval
		if err == nil && res.Claimed >= w.scheduler.opts.batchSize {
			next = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}
