package pgstore

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty postgres dsn")
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1", placeholders(1, 1))
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
	assert.Equal(t, "", placeholders(1, 0))
}

// openTestStore connects to OFFSYNC_TEST_POSTGRES_DSN and empties every
// table. Tests sharing the database must not run in parallel.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("OFFSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("OFFSYNC_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.db.ExecContext(t.Context(), `
TRUNCATE operations, operation_dependencies, dead_letters,
         document_versions, search_index, search_terms
`)
	require.NoError(t, err)
	return s
}

func testOperation(id, key string, priority int, offset time.Duration) model.Operation {
	return model.Operation{
		ID:             id,
		Kind:           model.KindUpdate,
		TargetTable:    model.TableNotes,
		TargetID:       "note-" + id,
		Payload:        json.RawMessage(`{"title":"` + id + `"}`),
		IdempotencyKey: key,
		Priority:       priority,
		Status:         model.StatusPending,
		OriginActor:    "device-test",
		SchemaVersion:  1,
		CreatedAt:      baseTime.Add(offset),
	}
}

func mustInsert(t *testing.T, s *Store, op model.Operation) {
	t.Helper()
	_, inserted, err := s.InsertOperation(t.Context(), op)
	require.NoError(t, err)
	require.True(t, inserted, "insert %s", op.ID)
}

func markProcessing(t *testing.T, s *Store, id string) {
	t.Helper()
	res, err := s.db.ExecContext(t.Context(), `UPDATE operations SET status = 'processing' WHERE id = $1`, id)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "mark %s processing", id)
}

func TestPostgres_InsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	op := testOperation("op-1", "k1", 3, 0)
	op.Payload = json.RawMessage(`{ "b": 2, "a": 1 }`)
	op.DependsOn = []string{"z", "a"}
	mustInsert(t, s, op)

	got, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, `{ "b": 2, "a": 1 }`, string(got.Payload))
	assert.Equal(t, []string{"z", "a"}, got.DependsOn)
	assert.True(t, op.CreatedAt.Equal(got.CreatedAt))

	id, inserted, err := s.InsertOperation(ctx, testOperation("op-2", "k1", 0, time.Second))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "op-1", id)

	_, _, err = s.InsertOperation(ctx, testOperation("op-1", "other", 0, time.Second))
	assert.ErrorIs(t, err, model.ErrOperationExists)

	_, err = s.GetOperation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ClaimOrderAndDependencies(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	mustInsert(t, s, testOperation("low", "k-low", 0, 0))
	mustInsert(t, s, testOperation("high", "k-high", 10, time.Second))
	child := testOperation("child", "k-child", 20, 2*time.Second)
	child.DependsOn = []string{"low"}
	mustInsert(t, s, child)

	ops, err := s.ClaimBatch(ctx, baseTime.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "high", ops[0].ID)
	assert.Equal(t, "low", ops[1].ID)
	assert.Equal(t, model.StatusProcessing, ops[0].Status)

	require.NoError(t, s.DeleteOperation(ctx, "low"))
	ops, err = s.ClaimBatch(ctx, baseTime.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "child", ops[0].ID)
}

func TestPostgres_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	for i := range 40 {
		id := "op-" + string(rune('A'+i/26)) + string(rune('a'+i%26))
		mustInsert(t, s, testOperation(id, "k-"+id, 0, time.Duration(i)*time.Second))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ops, err := s.ClaimBatch(ctx, baseTime.Add(time.Hour), 3)
				if err != nil || len(ops) == 0 {
					return
				}
				mu.Lock()
				for _, op := range ops {
					seen[op.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "claimed %s more than once", id)
	}
}

func TestPostgres_FailureAndDeadLetters(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	op := testOperation("op-1", "k1", 0, 0)
	op.DependsOn = []string{"dep"}
	mustInsert(t, s, op)

	_, err := s.FailOperation(ctx, model.Failure{ID: "op-1", Reason: "unclaimed", MaxRetries: 2, Now: baseTime})
	require.ErrorIs(t, err, model.ErrInvalidState)

	markProcessing(t, s, "op-1")
	out, err := s.FailOperation(ctx, model.Failure{ID: "op-1", Reason: "boom", MaxRetries: 2, Now: baseTime})
	require.NoError(t, err)
	assert.False(t, out.DeadLettered)
	assert.Equal(t, 1, out.RetryCount)

	markProcessing(t, s, "op-1")
	out, err = s.FailOperation(ctx, model.Failure{ID: "op-1", Reason: "boom again", MaxRetries: 2, Now: baseTime.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, out.DeadLettered)

	_, err = s.GetOperation(ctx, "op-1")
	assert.ErrorIs(t, err, ErrNotFound)

	dl, err := s.GetDeadLetter(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "boom again", dl.ErrorMessage)
	assert.Equal(t, 2, dl.RetryCount)
	assert.Equal(t, []string{"dep"}, dl.DependsOn)

	res, err := s.RequeueDeadLetter(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, res.Requeued)

	got, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, model.StatusPending, got.Status)

	markProcessing(t, s, "op-1")
	_, err = s.FailOperation(ctx, model.Failure{ID: "op-1", Reason: "bad", Permanent: true, MaxRetries: 5, Now: baseTime})
	require.NoError(t, err)
	require.NoError(t, s.ArchiveDeadLetter(ctx, "op-1"))

	letters, err := s.ListDeadLetters(ctx, model.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Empty(t, letters)
	letters, err = s.ListDeadLetters(ctx, model.DeadLetterFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, letters, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeadLetters)
	assert.Equal(t, 1, stats.ArchivedLetters)
}

func TestPostgres_ExpireAndRevive(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	expires := baseTime.Add(time.Minute)
	op := testOperation("op-1", "k1", 0, 0)
	op.ExpiresAt = &expires
	mustInsert(t, s, op)

	res, err := s.ExpireOverdue(ctx, baseTime.Add(2*time.Minute), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, []string{"op-1"}, res.IDs)

	got, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ErrorExpired, got.ErrorMessage)

	require.NoError(t, s.ReviveOperation(ctx, "op-1", nil))
	got, err = s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.ExpiresAt)

	assert.ErrorIs(t, s.ReviveOperation(ctx, "op-1", nil), model.ErrInvalidState)
}

func TestPostgres_VersionsSerializePerPanel(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendVersion(ctx, model.VersionAppend{
				DocumentID:  "doc-1",
				PanelID:     "main",
				Content:     json.RawMessage(`{"n":1}`),
				PlainText:   "hello world",
				ContentHash: "h",
				Terms:       []string{"hello", "world"},
				Now:         baseTime.Add(time.Duration(i) * time.Second),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := s.ListVersions(ctx, "doc-1", "main", 0)
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, v := range history {
		assert.Equal(t, 10-i, v.Version)
	}

	hits, err := s.Search(ctx, []string{"hello"}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 10, hits[0].Version)

	hits, err = s.Search(ctx, []string{"hello", "absent"}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
