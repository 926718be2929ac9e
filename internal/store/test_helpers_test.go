package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation creates a pending operation with minimal required
// fields. createdOffset orders operations by created_at.
func createTestOperation(id, key string, priority int, createdOffset time.Duration) model.Operation {
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
		CreatedAt:      baseTime.Add(createdOffset),
	}
}

func mustInsert(t *testing.T, s *Store, op model.Operation) {
	t.Helper()
	_, inserted, err := s.InsertOperation(t.Context(), op)
	if err != nil {
		t.Fatalf("InsertOperation(%s) failed: %v", op.ID, err)
	}
	if !inserted {
		t.Fatalf("InsertOperation(%s) was not inserted", op.ID)
	}
}

// markProcessing moves an operation to processing as a claim would,
// without going through the scheduler's ordering.
func markProcessing(t *testing.T, s *Store, id string) {
	t.Helper()
	res, err := s.db.ExecContext(t.Context(), `UPDATE operations SET status = 'processing' WHERE id = ?`, id)
	if err != nil {
		t.Fatalf("markProcessing(%s) failed: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("markProcessing(%s) updated %d rows", id, n)
	}
}
