package queue_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

func TestEnqueue_AssignsDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	res, err := f.q.Guard.Enqueue(ctx, queue.EnqueueRequest{
		Kind:           model.KindCreate,
		TargetTable:    model.TableAnnotations,
		TargetID:       "ann-1",
		IdempotencyKey: "k1",
		OriginActor:    "device-a",
		WorkspaceID:    "ws-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "op-0001", res.ID)
	assert.Empty(t, res.ExistingID)

	op, err := f.q.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, model.CurrentSchemaVersion, op.SchemaVersion)
	assert.Equal(t, `{}`, string(op.Payload))
	assert.True(t, f.clock.Now().Equal(op.CreatedAt))
	assert.Nil(t, op.ExpiresAt)
	assert.Equal(t, "ws-1", op.WorkspaceID)
	assert.Equal(t, 1, f.rec.get(&f.rec.enqueued))
}

func TestEnqueue_DuplicateKeyIsNotAnError(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	first := f.enqueue(t, "same", 0)

	res, err := f.q.Guard.Enqueue(ctx, queue.EnqueueRequest{
		Kind:           model.KindDelete,
		TargetTable:    model.TableItems,
		TargetID:       "item-9",
		IdempotencyKey: "same",
		Priority:       9,
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, first, res.ExistingID)

	ops, err := f.q.List(ctx, model.OperationFilter{}, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, ops, 1, "duplicate must not add a row")
	assert.Equal(t, model.KindUpdate, ops[0].Kind, "live row untouched")
	assert.Equal(t, 1, f.rec.get(&f.rec.duplicates))
}

func TestEnqueue_KeyReusableAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	first := f.enqueue(t, "reuse", 0)
	require.NoError(t, f.q.Escalator.Complete(ctx, first))

	second := f.enqueue(t, "reuse", 0)
	assert.NotEqual(t, first, second)
}

func TestEnqueue_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		req   queue.EnqueueRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "empty idempotency key",
			req: queue.EnqueueRequest{
				Kind: model.KindCreate, TargetTable: model.TableNotes, TargetID: "n1", IdempotencyKey: "  ",
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, queue.ErrEmptyIdempotencyKey)
				assert.True(t, queue.IsInvalidOperation(err))
			},
		},
		{
			name: "unknown table",
			req: queue.EnqueueRequest{
				Kind: model.KindCreate, TargetTable: "users", TargetID: "u1", IdempotencyKey: "k",
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, queue.ErrInvalidOperation)
				assert.True(t, queue.IsInvalidOperation(err))
				assert.Contains(t, err.Error(), "users")
			},
		},
		{
			name: "unknown kind",
			req: queue.EnqueueRequest{
				Kind: "upsert", TargetTable: model.TableNotes, TargetID: "n1", IdempotencyKey: "k",
			},
			check: func(t *testing.T, err error) {
				assert.True(t, queue.IsInvalidOperation(err))
			},
		},
		{
			name: "payload not json",
			req: queue.EnqueueRequest{
				Kind: model.KindCreate, TargetTable: model.TableNotes, TargetID: "n1", IdempotencyKey: "k",
				Payload: json.RawMessage(`{nope`),
			},
			check: func(t *testing.T, err error) {
				assert.True(t, queue.IsInvalidOperation(err))
			},
		},
		{
			name: "duplicate dependency",
			req: queue.EnqueueRequest{
				Kind: model.KindCreate, TargetTable: model.TableNotes, TargetID: "n1", IdempotencyKey: "k",
				DependsOn: []string{"x", "x"},
			},
			check: func(t *testing.T, err error) {
				assert.True(t, queue.IsInvalidOperation(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.q.Guard.Enqueue(t.Context(), tt.req)
			require.Error(t, err)
			tt.check(t, err)

			stats, err := f.q.Stats(t.Context())
			require.NoError(t, err)
			assert.Zero(t, stats.Total())
		})
	}
}

func TestEnqueue_TTL(t *testing.T) {
	f := newFixture(t, queue.WithDefaultTTL(time.Hour))
	ctx := t.Context()
	now := f.clock.Now()

	explicit := now.Add(5 * time.Minute)
	cases := []struct {
		key  string
		req  queue.EnqueueRequest
		want time.Time
	}{
		{key: "default", want: now.Add(time.Hour)},
		{key: "ttl", req: queue.EnqueueRequest{TTL: 10 * time.Minute}, want: now.Add(10 * time.Minute)},
		{key: "absolute", req: queue.EnqueueRequest{ExpiresAt: &explicit}, want: explicit},
	}
	for _, c := range cases {
		req := c.req
		req.Kind = model.KindUpdate
		req.TargetTable = model.TableNotes
		req.TargetID = "n-" + c.key
		req.IdempotencyKey = c.key

		res, err := f.q.Guard.Enqueue(ctx, req)
		require.NoError(t, err)
		op, err := f.q.Get(ctx, res.ID)
		require.NoError(t, err)
		require.NotNil(t, op.ExpiresAt, c.key)
		assert.True(t, c.want.Equal(*op.ExpiresAt), "%s: got %v want %v", c.key, op.ExpiresAt, c.want)
	}
}

func TestAdmit_PreservesFieldsAndResetsClaims(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	created := time.Date(2023, 6, 1, 8, 0, 0, 0, time.UTC)
	op := model.Operation{
		ID:             "imported-1",
		Kind:           model.KindUpdate,
		TargetTable:    model.TablePanels,
		TargetID:       "panel-1",
		Payload:        json.RawMessage(`{"x":1}`),
		IdempotencyKey: "imp",
		Priority:       7,
		Status:         model.StatusProcessing,
		RetryCount:     2,
		OriginActor:    "device-b",
		SchemaVersion:  1,
		CreatedAt:      created,
	}
	res, err := f.q.Guard.Admit(ctx, op)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, "imported-1", res.ID)

	got, err := f.q.Get(ctx, "imported-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status, "claims are not imported")
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 7, got.Priority)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, "device-b", got.OriginActor)
}

func TestAdmit_SelfDependencyIsCycle(t *testing.T) {
	f := newFixture(t)

	_, err := f.q.Guard.Admit(t.Context(), model.Operation{
		ID:             "loop",
		Kind:           model.KindUpdate,
		TargetTable:    model.TableNotes,
		TargetID:       "n",
		IdempotencyKey: "loop",
		DependsOn:      []string{"loop"},
		SchemaVersion:  1,
		CreatedAt:      f.clock.Now(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrDependencyCycle)
	assert.True(t, queue.IsCycleError(err))
	assert.True(t, strings.Contains(err.Error(), "loop -> loop"))
}

func TestAdmit_IDCollision(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, "k1", 0)

	_, err := f.q.Guard.Admit(t.Context(), model.Operation{
		ID:             id,
		Kind:           model.KindUpdate,
		TargetTable:    model.TableNotes,
		TargetID:       "n",
		IdempotencyKey: "k2",
		SchemaVersion:  1,
		CreatedAt:      f.clock.Now(),
	})
	require.Error(t, err)
	var oe *queue.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, queue.ErrCodeConflict, oe.Code)
	assert.ErrorIs(t, err, model.ErrOperationExists)
}
