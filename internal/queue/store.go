package queue

import (
	"context"
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Store is the durable operation store every queue component works
// through. Each method is one transaction. Implemented by internal/store
// (SQLite) and internal/pgstore (Postgres).
type Store interface {
	// InsertOperation inserts op unless its idempotency key is live and
	// returns the id holding the key.
	InsertOperation(ctx context.Context, op model.Operation) (id string, inserted bool, err error)
	GetOperation(ctx context.Context, id string) (model.Operation, error)
	ListOperations(ctx context.Context, filter model.OperationFilter) ([]model.Operation, error)

	// ClaimBatch atomically moves up to limit eligible pending operations
	// to processing.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]model.Operation, error)
	DeleteOperation(ctx context.Context, id string) error
	RequeueOperation(ctx context.Context, id string) error
	FailOperation(ctx context.Context, f model.Failure) (model.FailureOutcome, error)
	ExpireOverdue(ctx context.Context, now time.Time, maxRetries int) (model.ExpireResult, error)
	ReviveOperation(ctx context.Context, id string, expiresAt *time.Time) error

	ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetter, error)
	GetDeadLetter(ctx context.Context, queueRef string) (model.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, queueRef string) (model.RequeueResult, error)
	ArchiveDeadLetter(ctx context.Context, queueRef string) error

	DependencyEdges(ctx context.Context) (map[string][]string, error)
	Stats(ctx context.Context) (model.QueueStats, error)
}
