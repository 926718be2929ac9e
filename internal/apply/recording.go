package apply

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// Entity is the last applied state of one target row.
type Entity struct {
	Table     model.TargetTable `json:"table"`
	ID        string            `json:"id"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Deleted   bool              `json:"deleted"`
	LastOpID  string            `json:"lastOpId"`
	AppliedAt time.Time         `json:"appliedAt"`
}

type entityKey struct {
	table model.TargetTable
	id    string
}

// RecordingApplier is an in-memory sink that keeps the last applied payload
// per entity. Applying the same operation twice leaves the same state.
//
// Thread-safety: safe for concurrent use.
type RecordingApplier struct {
	mu       sync.Mutex
	now      func() time.Time
	entities map[entityKey]Entity
	applied  []string
}

// NewRecordingApplier creates an empty sink. now may be nil.
func NewRecordingApplier(now func() time.Time) *RecordingApplier {
	if now == nil {
		now = time.Now
	}
	return &RecordingApplier{now: now, entities: make(map[entityKey]Entity)}
}

// Apply implements queue.Applier. Create and update store the payload;
// delete keeps a tombstone.
func (r *RecordingApplier) Apply(_ context.Context, op model.Operation) queue.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := Entity{
		Table:     op.TargetTable,
		ID:        op.TargetID,
		LastOpID:  op.ID,
		AppliedAt: r.now().UTC(),
	}
	if op.Kind == model.KindDelete {
		e.Deleted = true
	} else {
		e.Payload = slices.Clone(op.Payload)
	}
	r.entities[entityKey{op.TargetTable, op.TargetID}] = e
	r.applied = append(r.applied, op.ID)
	return queue.Success()
}

// Get returns the entity state, if any operation touched it.
func (r *RecordingApplier) Get(table model.TargetTable, id string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[entityKey{table, id}]
	return e, ok
}

// Applied returns operation ids in the order they were applied.
func (r *RecordingApplier) Applied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.applied)
}

// Entities returns every entity, sorted by table then id.
func (r *RecordingApplier) Entities() []Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entity) int {
		return cmp.Or(
			strings.Compare(string(a.Table), string(b.Table)),
			strings.Compare(a.ID, b.ID),
		)
	})
	return out
}
