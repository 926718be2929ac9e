package queue

import (
	"context"
	"fmt"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Queue bundles the components that share one store and one set of options.
// It is what the CLI and admin server hold.
type Queue struct {
	Guard     *Guard
	Scheduler *Scheduler
	Escalator *Escalator
	Reaper    *Reaper

	store Store
	opts  []Option
}

// New wires Guard, Scheduler, Escalator and Reaper over store.
func New(store Store, opts ...Option) *Queue {
	return &Queue{
		Guard:     NewGuard(store, opts...),
		Scheduler: NewScheduler(store, opts...),
		Escalator: NewEscalator(store, opts...),
		Reaper:    NewReaper(store, opts...),
		store:     store,
		opts:      opts,
	}
}

// NewWorker creates a Worker draining this queue through applier.
func (q *Queue) NewWorker(applier Applier) *Worker {
	return NewWorker(q.Scheduler, q.Escalator, applier, q.opts...)
}

// Get returns one live operation.
func (q *Queue) Get(ctx context.Context, id string) (model.Operation, error) {
	return q.store.GetOperation(ctx, id)
}

// List returns live operations matching filter and where, in schedule order.
func (q *Queue) List(ctx context.Context, filter model.OperationFilter, where Filter) ([]model.Operation, error) {
	ops, err := q.store.ListOperations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return where.Apply(ops), nil
}

// Stats summarises the live queue and dead-letter store.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	return q.store.Stats(ctx)
}
