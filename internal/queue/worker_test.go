package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// scriptedApplier returns outcomes per operation id, Success by default,
// and records every call.
type scriptedApplier struct {
	mu       sync.Mutex
	outcomes map[string]queue.Outcome
	calls    []string
}

func (a *scriptedApplier) Apply(_ context.Context, op model.Operation) queue.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op.ID)
	if out, ok := a.outcomes[op.ID]; ok {
		return out
	}
	return queue.Success()
}

func (a *scriptedApplier) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func TestWorker_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	a := f.enqueue(t, "A", 10)
	b := f.enqueue(t, "B", 0, a)

	applier := &scriptedApplier{outcomes: map[string]queue.Outcome{
		b: queue.Retryable("server unavailable"),
	}}
	w := f.q.NewWorker(applier)

	res, err := w.RunOnce(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, queue.BatchResult{Claimed: 1, Succeeded: 1}, res)
	_, err = f.q.Get(ctx, a)
	assert.ErrorIs(t, err, queue.ErrNotFound, "success deletes the row")

	for attempt := 1; attempt <= queue.DefaultMaxRetries; attempt++ {
		res, err := w.RunOnce(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, res.Claimed, "attempt %d", attempt)
		if attempt < queue.DefaultMaxRetries {
			assert.Equal(t, 1, res.Retried)
		} else {
			assert.Equal(t, 1, res.DeadLettered)
		}
	}

	_, err = f.q.Get(ctx, b)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	letters, err := f.q.Escalator.ListDeadLetters(ctx, model.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, b, letters[0].QueueRef)
	assert.Equal(t, 5, letters[0].RetryCount)

	assert.Equal(t, []string{a, b, b, b, b, b}, applier.Calls())
	assert.Equal(t, 1, f.rec.outcomes["success"])
	assert.Equal(t, 5, f.rec.outcomes["retryable"])
}

func TestWorker_PermanentOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	id := f.enqueue(t, "perm", 0)
	w := f.q.NewWorker(&scriptedApplier{outcomes: map[string]queue.Outcome{
		id: queue.Permanent("unknown entity"),
	}})

	res, err := w.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, queue.BatchResult{Claimed: 1, DeadLettered: 1}, res)

	dl, err := f.store.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "unknown entity", dl.ErrorMessage)
	assert.Equal(t, 1, dl.RetryCount)
}

func TestWorker_PanicIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	id := f.enqueue(t, "panic", 0)
	w := f.q.NewWorker(queue.ApplierFunc(func(context.Context, model.Operation) queue.Outcome {
		panic("nil map")
	}))

	res, err := w.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	op, err := f.q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Contains(t, op.ErrorMessage, "nil map")
}

func TestWorker_CancelReleasesRestOfBatch(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	first := f.enqueue(t, "a", 3)
	second := f.enqueue(t, "b", 2)
	third := f.enqueue(t, "c", 1)

	w := f.q.NewWorker(queue.ApplierFunc(func(context.Context, model.Operation) queue.Outcome {
		cancel()
		return queue.Success()
	}))

	res, err := w.RunOnce(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 1, res.Succeeded, "outcome recorded despite cancellation")
	assert.Equal(t, 2, res.Released)

	_, err = f.q.Get(t.Context(), first)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	for _, id := range []string{second, third} {
		op, err := f.q.Get(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, op.Status)
		assert.Zero(t, op.RetryCount)
	}
}

func TestWorkerRun_WakesOnNotify(t *testing.T) {
	n := queue.NewNotifier()
	f := newFixture(t, queue.WithNotifier(n), queue.WithPollInterval(time.Hour))
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	applier := &scriptedApplier{}
	w := f.q.NewWorker(applier)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	id := f.enqueue(t, "wake", 0)

	require.Eventually(t, func() bool {
		return len(applier.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond, "worker should wake without waiting an hour")
	assert.Equal(t, []string{id}, applier.Calls())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerRun_StopsWhenNotifierCloses(t *testing.T) {
	n := queue.NewNotifier()
	f := newFixture(t, queue.WithNotifier(n), queue.WithPollInterval(time.Hour))

	w := f.q.NewWorker(&scriptedApplier{})
	done := make(chan error, 1)
	go func() { done <- w.Run(t.Context()) }()

	n.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNotifier_Coalesces(t *testing.T) {
	n := queue.NewNotifier()
	n.Notify()
	n.Notify()

	select {
	case <-n.Wait():
	default:
		t.Fatal("expected a signal")
	}
	select {
	case <-n.Wait():
		t.Fatal("signals should coalesce")
	default:
	}

	var nilNotifier *queue.Notifier
	nilNotifier.Notify()
	nilNotifier.Close()
	assert.Nil(t, nilNotifier.Wait())
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "success", queue.OutcomeSuccess.String())
	assert.Equal(t, "retryable", queue.OutcomeRetryable.String())
	assert.Equal(t, "permanent", queue.OutcomePermanent.String())
	assert.Equal(t, "unknown", queue.OutcomeKind(42).String())
}

// failingDeleteStore fails DeleteOperation for one id.
type failingDeleteStore struct {
	queue.Store
	failID string
}

func (s *failingDeleteStore) DeleteOperation(ctx context.Context, id string) error {
	if id == s.failID {
		return errors.New("disk I/O error")
	}
	return s.Store.DeleteOperation(ctx, id)
}

func TestWorker_RecordErrorReleasesRestOfBatch(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	first := f.enqueue(t, "a", 3)
	second := f.enqueue(t, "b", 2)
	third := f.enqueue(t, "c", 1)

	broken := queue.New(&failingDeleteStore{Store: f.store, failID: first},
		queue.WithClock(f.clock.Now),
		queue.WithIDGenerator(f.ids),
		queue.WithLogger(slog.New(slog.DiscardHandler)),
	)
	applier := &scriptedApplier{}

	res, err := broken.NewWorker(applier).RunOnce(ctx, 10)
	require.ErrorContains(t, err, "disk I/O error")
	assert.Equal(t, queue.BatchResult{Claimed: 3, Released: 2}, res)
	assert.Equal(t, []string{first}, applier.Calls(), "nothing applied after the error")

	for _, id := range []string{second, third} {
		op, err := f.q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, op.Status)
		assert.Zero(t, op.RetryCount)
	}

	res, err = f.q.NewWorker(applier).RunOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, queue.BatchResult{Claimed: 2, Succeeded: 2}, res)
	assert.Equal(t, []string{first, second, third}, applier.Calls())
}
