package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// EnqueueRequest is a client mutation to record. The Guard assigns id,
// created_at, status and retry count.
type EnqueueRequest struct {
	Kind           model.Kind
	TargetTable    model.TargetTable
	TargetID       string
	Payload        json.RawMessage
	IdempotencyKey string
	Priority       int

	// ExpiresAt is an absolute deadline. When nil, TTL (or the configured
	// default TTL) is applied relative to now.
	ExpiresAt *time.Time
	TTL       time.Duration

	DependsOn     []string
	OriginActor   string
	WorkspaceID   string
	SchemaVersion int
}

// EnqueueResult reports what Enqueue did. A duplicate is not an error:
// Accepted is false and ExistingID names the live operation.
type EnqueueResult struct {
	Accepted   bool   `json:"accepted"`
	ID         string `json:"id,omitempty"`
	ExistingID string `json:"existingId,omitempty"`
}

// Guard admits operations into the store, enforcing idempotency-key
// uniqueness among live operations.
type Guard struct {
	store Store
	opts  options
}

// NewGuard creates a Guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	return &Guard{store: store, opts: buildOptions(opts)}
}

// Enqueue records a new operation unless its idempotency key is already
// live.
func (g *Guard) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if strings.TrimSpace(req.IdempotencyKey) == "" {
		span.SetStatus(codes.Error, ErrEmptyIdempotencyKey.Error())
		return EnqueueResult{}, ErrEmptyIdempotencyKey
	}

	now := g.opts.now().UTC()
	op := model.Operation{
		ID:             g.opts.ids.Next(),
		Kind:           req.Kind,
		TargetTable:    req.TargetTable,
		TargetID:       req.TargetID,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Status:         model.StatusPending,
		DependsOn:      append([]string{}, req.DependsOn...),
		OriginActor:    req.OriginActor,
		WorkspaceID:    req.WorkspaceID,
		SchemaVersion:  req.SchemaVersion,
		CreatedAt:      now,
	}
	if op.SchemaVersion == 0 {
		op.SchemaVersion = model.CurrentSchemaVersion
	}
	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage(`{}`)
	}
	switch {
	case req.ExpiresAt != nil:
		t := req.ExpiresAt.UTC()
		op.ExpiresAt = &t
	case req.TTL > 0:
		t := now.Add(req.TTL)
		op.ExpiresAt = &t
	case g.opts.defaultTTL > 0:
		t := now.Add(g.opts.defaultTTL)
		op.ExpiresAt = &t
	}

	span.SetAttributes(
		attribute.String("op.id", op.ID),
		attribute.String("op.target_table", string(op.TargetTable)),
	)
	return g.admit(ctx, op)
}

// Admit inserts a fully formed operation, preserving its id, timestamps,
// priority and retry count. Import uses this path so imported operations
// get the same validation and idempotency handling as fresh ones.
func (g *Guard) Admit(ctx context.Context, op model.Operation) (EnqueueResult, error) {
	ctx, span := tracer.Start(ctx, "queue.Admit")
	defer span.End()
	span.SetAttributes(attribute.String("op.id", op.ID))

	if strings.TrimSpace(op.IdempotencyKey) == "" {
		return EnqueueResult{}, ErrEmptyIdempotencyKey
	}
	if op.Status == "" || op.Status == model.StatusProcessing {
		// A claim belongs to the worker that made it.
		op.Status = model.StatusPending
	}
	if op.DependsOn == nil {
		op.DependsOn = []string{}
	}
	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage(`{}`)
	}
	return g.admit(ctx, op)
}

func (g *Guard) admit(ctx context.Context, op model.Operation) (EnqueueResult, error) {
	for _, dep := range op.DependsOn {
		if op.ID != "" && dep == op.ID {
			return EnqueueResult{}, NewCycleError(op.ID, []string{op.ID, op.ID})
		}
	}
	if err := op.Validate(); err != nil {
		return EnqueueResult{}, newInvalidError(op.ID, err)
	}

	id, inserted, err := g.store.InsertOperation(ctx, op)
	if err != nil {
		if errors.Is(err, model.ErrOperationExists) {
			return EnqueueResult{}, &OperationError{
				Code:    ErrCodeConflict,
				OpID:    op.ID,
				Message: "id already used by another operation",
				Err:     model.ErrOperationExists,
			}
		}
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}

	if !inserted {
		g.opts.recorder.Duplicate()
		g.opts.logger.Debug("duplicate idempotency key",
			slog.String("idempotency_key", op.IdempotencyKey),
			slog.String("existing_id", id),
		)
		return EnqueueResult{Accepted: false, ExistingID: id}, nil
	}

	g.opts.recorder.Enqueued(op.TargetTable)
	g.opts.notifier.Notify()
	g.opts.logger.Info("operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("target_table", string(op.TargetTable)),
		slog.String("target_id", op.TargetID),
		slog.Int("priority", op.Priority),
	)
	return EnqueueResult{Accepted: true, ID: id}, nil
}
