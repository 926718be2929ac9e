package queue_test

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/store"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/testutil"
)

// fixture is a queue over a temp-dir SQLite store with a fake clock and
// sequential ids.
type fixture struct {
	store *store.Store
	clock *testutil.FakeClock
	ids   *testutil.SequentialIDs
	rec   *countingRecorder
	q     *queue.Queue
}

func newFixture(t *testing.T, opts ...queue.Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		clock: testutil.NewFakeClock(time.Time{}),
		ids:   testutil.NewSequentialIDs("op"),
		rec:   &countingRecorder{},
	}
	base := []queue.Option{
		queue.WithClock(f.clock.Now),
		queue.WithIDGenerator(f.ids),
		queue.WithRecorder(f.rec),
		queue.WithLogger(slog.New(slog.DiscardHandler)),
	}
	f.q = queue.New(s, append(base, opts...)...)
	return f
}

// enqueue adds a notes update with the given key and priority, advancing
// the clock a millisecond so created_at is distinct.
func (f *fixture) enqueue(t *testing.T, key string, priority int, deps ...string) string {
	t.Helper()
	res, err := f.q.Guard.Enqueue(t.Context(), queue.EnqueueRequest{
		Kind:           model.KindUpdate,
		TargetTable:    model.TableNotes,
		TargetID:       "note-" + key,
		Payload:        json.RawMessage(`{"key":"` + key + `"}`),
		IdempotencyKey: key,
		Priority:       priority,
		DependsOn:      deps,
		OriginActor:    "device-a",
	})
	require.NoError(t, err)
	require.True(t, res.Accepted, "enqueue %s", key)
	f.clock.Advance(time.Millisecond)
	return res.ID
}

func ids(ops []model.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

// countingRecorder counts queue events.
type countingRecorder struct {
	mu           sync.Mutex
	enqueued     int
	duplicates   int
	claimed      int
	completed    int
	retried      int
	deadLettered int
	expired      int
	outcomes     map[string]int
}

func (r *countingRecorder) Enqueued(model.TargetTable) { r.add(&r.enqueued, 1) }
func (r *countingRecorder) Duplicate() { r.add(&r.duplicates, 1) }
func (r *countingRecorder) Claimed(n int) { r.add(&r.claimed, n) }
func (r *countingRecorder) Completed() { r.add(&r.completed, 1) }
func (r *countingRecorder) Retried() { r.add(&r.retried, 1) }
func (r *countingRecorder) DeadLettered(n int) { r.add(&r.deadLettered, n) }
func (r *countingRecorder) Expired(n int) { r.add(&r.expired, n) }

func (r *countingRecorder) ApplyDuration(_ model.TargetTable, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) add(field *int, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*field += n
}

func (r *countingRecorder) get(field *int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *field
}
