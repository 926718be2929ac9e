package queue

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Scheduler hands out eligible operations in priority order.
//
// Eligibility and ordering are evaluated by the store inside the claiming
// transaction:
//   - status pending, not past expires_at
//   - no depends_on id still present in the operations table
//   - priority DESC, then created_at ASC, then enqueue sequence
//
// Operations on a dependency cycle are never eligible. Import refuses to
// create cycles; live enqueues cannot close one.
type Scheduler struct {
	store Store
	opts  options
}

// NewScheduler creates a Scheduler over store.
func NewScheduler(store Store, opts ...Option) *Scheduler {
	return &Scheduler{store: store, opts: buildOptions(opts)}
}

// NextBatch claims up to limit eligible operations, moving them to
// processing. limit <= 0 uses the configured batch size.
func (s *Scheduler) NextBatch(ctx context.Context, limit int) ([]model.Operation, error) {
	ctx, span := tracer.Start(ctx, "queue.NextBatch")
	defer span.End()

	if limit <= 0 {
		limit = s.opts.batchSize
	}
	ops, err := s.store.ClaimBatch(ctx, s.opts.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("next batch: %w", err)
	}

	span.SetAttributes(attribute.Int("batch.size", len(ops)))
	if len(ops) > 0 {
		s.opts.recorder.Claimed(len(ops))
		s.opts.logger.Debug("batch claimed",
			slog.Int("count", len(ops)),
			slog.String("first_op_id", ops[0].ID),
		)
	}
	return ops, nil
}
