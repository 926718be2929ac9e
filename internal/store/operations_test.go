package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

func TestInsertOperation_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	expires := baseTime.Add(time.Hour)
	op := createTestOperation("op-1", "k1", 3, 0)
	op.Payload = json.RawMessage("{ \"b\": 2, \"a\": 1, \"title\": \"Cafe\u0301\" }")
	op.ExpiresAt = &expires
	op.DependsOn = []string{"z-parent", "a-parent"}
	op.WorkspaceID = "ws-1"

	id, inserted, err := s.InsertOperation(ctx, op)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "op-1", id)

	got, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, string(op.Payload), string(got.Payload), "payload stored byte for byte")
	assert.Equal(t, []string{"z-parent", "a-parent"}, got.DependsOn, "dependency order preserved")
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.True(t, op.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.LastAttemptedAt)
	assert.Positive(t, got.Seq)
}

func TestInsertOperation_DuplicateKeyReturnsExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	mustInsert(t, s, createTestOperation("op-1", "same", 0, 0))

	id, inserted, err := s.InsertOperation(ctx, createTestOperation("op-2", "same", 5, time.Second))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "op-1", id)

	_, err = s.GetOperation(ctx, "op-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertOperation_IDCollisionWithDifferentKey(t *testing.T) {
	s := createTestStore(t)

	mustInsert(t, s, createTestOperation("op-1", "k1", 0, 0))

	_, _, err := s.InsertOperation(t.Context(), createTestOperation("op-1", "k2", 0, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrOperationExists)
}

func TestClaimBatch_PriorityThenFIFO(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	mustInsert(t, s, createTestOperation("a", "ka", 0, 0))
	mustInsert(t, s, createTestOperation("b", "kb", 10, time.Second))
	mustInsert(t, s, createTestOperation("c", "kc", 5, 2*time.Second))
	mustInsert(t, s, createTestOperation("d", "kd", 5, time.Second))

	claimed, err := s.ClaimBatch(ctx, baseTime.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
	assert.Equal(t, []string{"b", "d", "c", "a"}, opIDs(claimed))
	for _, op := range claimed {
		assert.Equal(t, model.StatusProcessing, op.Status)
		require.NotNil(t, op.LastAttemptedAt)
	}

	again, err := s.ClaimBatch(ctx, baseTime.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "processing rows are not claimed twice")
}

func TestClaimBatch_SameCreatedAtUsesSeq(t *testing.T) {
	s := createTestStore(t)

	mustInsert(t, s, createTestOperation("z", "k1", 0, 0))
	mustInsert(t, s, createTestOperation("a", "k2", 0, 0))

	claimed, err := s.ClaimBatch(t.Context(), baseTime, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, opIDs(claimed))
}

func TestClaimBatch_Limit(t *testing.T) {
	s := createTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		mustInsert(t, s, createTestOperation(id, "k"+id, 0, time.Duration(i)*time.Second))
	}

	claimed, err := s.ClaimBatch(t.Context(), baseTime, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, opIDs(claimed))

	none, err := s.ClaimBatch(t.Context(), baseTime, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimBatch_DependencyBlocking(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	parent := createTestOperation("parent", "kp", 0, 0)
	child := createTestOperation("child", "kc", 100, time.Second)
	child.DependsOn = []string{"parent"}
	mustInsert(t, s, parent)
	mustInsert(t, s, child)

	claimed, err := s.ClaimBatch(ctx, baseTime, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent"}, opIDs(claimed), "child blocked while parent exists")

	// Parent still processing: child stays blocked.
	claimed, err = s.ClaimBatch(ctx, baseTime, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, s.DeleteOperation(ctx, "parent"))

	claimed, err = s.ClaimBatch(ctx, baseTime, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, opIDs(claimed))
}

func TestClaimBatch_UnknownDependencyIsSatisfied(t *testing.T) {
	s := createTestStore(t)

	op := createTestOperation("child", "kc", 0, 0)
	op.DependsOn = []string{"never-existed"}
	mustInsert(t, s, op)

	claimed, err := s.ClaimBatch(t.Context(), baseTime, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, opIDs(claimed))
}

func TestClaimBatch_SkipsExpired(t *testing.T) {
	s := createTestStore(t)

	deadline := baseTime.Add(time.Minute)
	op := createTestOperation("late", "k", 0, 0)
	op.ExpiresAt = &deadline
	mustInsert(t, s, op)

	claimed, err := s.ClaimBatch(t.Context(), deadline, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "expires_at == now is not eligible")

	claimed, err = s.ClaimBatch(t.Context(), deadline.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestDeleteOperation_NotFound(t *testing.T) {
	s := createTestStore(t)
	err := s.DeleteOperation(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueOperation(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustInsert(t, s, createTestOperation("a", "ka", 0, 0))

	err := s.RequeueOperation(ctx, "a")
	assert.ErrorIs(t, err, model.ErrInvalidState, "pending rows cannot be released")

	_, err = s.ClaimBatch(ctx, baseTime, 1)
	require.NoError(t, err)
	require.NoError(t, s.RequeueOperation(ctx, "a"))

	got, err := s.GetOperation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestFailOperation_RetryThenDeadLetter(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	op := createTestOperation("a", "ka", 7, 0)
	op.DependsOn = []string{"gone"}
	mustInsert(t, s, op)

	for i := 1; i <= 2; i++ {
		markProcessing(t, s, "a")
		out, err := s.FailOperation(ctx, model.Failure{
			ID: "a", Reason: "timeout", MaxRetries: 3, Now: baseTime.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		assert.False(t, out.DeadLettered)
		assert.Equal(t, i, out.RetryCount)

		got, err := s.GetOperation(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, i, got.RetryCount)
		assert.Equal(t, "timeout", got.ErrorMessage)
		assert.Equal(t, 7, got.Priority, "priority untouched")
		assert.True(t, baseTime.Equal(got.CreatedAt), "created_at untouched")
	}

	markProcessing(t, s, "a")
	out, err := s.FailOperation(ctx, model.Failure{ID: "a", Reason: "still failing", MaxRetries: 3, Now: baseTime.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, out.DeadLettered)
	assert.Equal(t, 3, out.RetryCount)

	_, err = s.GetOperation(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	dl, err := s.GetDeadLetter(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "still failing", dl.ErrorMessage)
	assert.Equal(t, 3, dl.RetryCount)
	assert.Equal(t, 7, dl.Priority)
	assert.Equal(t, []string{"gone"}, dl.DependsOn)
	assert.True(t, baseTime.Add(time.Hour).Equal(dl.LastErrorAt))

	// A second escalation of the same id finds nothing to move.
	_, err = s.FailOperation(ctx, model.Failure{ID: "a", Reason: "again", MaxRetries: 3, Now: baseTime})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailOperation_Permanent(t *testing.T) {
	s := createTestStore(t)
	mustInsert(t, s, createTestOperation("a", "ka", 0, 0))
	markProcessing(t, s, "a")

	out, err := s.FailOperation(t.Context(), model.Failure{ID: "a", Reason: "schema", Permanent: true, MaxRetries: 5, Now: baseTime})
	require.NoError(t, err)
	assert.True(t, out.DeadLettered)
	assert.Equal(t, 1, out.RetryCount)
}

func TestFailOperation_RequiresProcessing(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	deadline := baseTime.Add(time.Minute)
	op := createTestOperation("a", "ka", 0, 0)
	op.ExpiresAt = &deadline
	mustInsert(t, s, op)

	_, err := s.FailOperation(ctx, model.Failure{ID: "a", Reason: "never claimed", MaxRetries: 3, Now: baseTime})
	require.ErrorIs(t, err, model.ErrInvalidState)
	got, err := s.GetOperation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	// Expired by the reaper; a late failure report must not resurrect it.
	_, err = s.ExpireOverdue(ctx, deadline, 3)
	require.NoError(t, err)
	_, err = s.FailOperation(ctx, model.Failure{ID: "a", Reason: "late", MaxRetries: 3, Now: deadline.Add(time.Second)})
	require.ErrorIs(t, err, model.ErrInvalidState)

	got, err = s.GetOperation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ErrorExpired, got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
}

func TestExpireOverdue(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	deadline := baseTime.Add(time.Minute)
	overdue := createTestOperation("overdue", "k1", 0, 0)
	overdue.ExpiresAt = &deadline
	exhausted := createTestOperation("exhausted", "k2", 0, 0)
	exhausted.ExpiresAt = &deadline
	exhausted.RetryCount = 4
	fresh := createTestOperation("fresh", "k3", 0, 0)
	later := deadline.Add(time.Hour)
	fresh.ExpiresAt = &later
	claimedOp := createTestOperation("claimed", "k4", 100, 0)
	claimedOp.ExpiresAt = &later

	for _, op := range []model.Operation{overdue, exhausted, fresh, claimedOp} {
		mustInsert(t, s, op)
	}
	// Claim "claimed" before its deadline, then sweep after it.
	claimed, err := s.ClaimBatch(ctx, baseTime, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"claimed"}, opIDs(claimed))

	res, err := s.ExpireOverdue(ctx, later.Add(-time.Minute), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.DeadLettered)
	assert.ElementsMatch(t, []string{"overdue", "exhausted"}, res.IDs)

	got, err := s.GetOperation(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ErrorExpired, got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)

	dl, err := s.GetDeadLetter(ctx, "exhausted")
	require.NoError(t, err)
	assert.Equal(t, model.ErrorExpired, dl.ErrorMessage)
	assert.Equal(t, 5, dl.RetryCount)

	got, err = s.GetOperation(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	got, err = s.GetOperation(ctx, "claimed")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status, "processing rows are never expired")

	// Failed rows are not swept twice.
	res, err = s.ExpireOverdue(ctx, later.Add(-time.Minute), 5)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
}

func TestReviveOperation(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	deadline := baseTime.Add(time.Minute)
	op := createTestOperation("a", "ka", 0, 0)
	op.ExpiresAt = &deadline
	mustInsert(t, s, op)

	err := s.ReviveOperation(ctx, "a", nil)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = s.ExpireOverdue(ctx, deadline, 5)
	require.NoError(t, err)

	require.NoError(t, s.ReviveOperation(ctx, "a", nil))
	got, err := s.GetOperation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, 1, got.RetryCount, "revive keeps the retry count")

	err = s.ReviveOperation(ctx, "missing", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListOperations_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	a := createTestOperation("a", "ka", 0, 0)
	a.WorkspaceID = "ws-1"
	b := createTestOperation("b", "kb", 0, time.Second)
	b.TargetTable = model.TableDocuments
	b.WorkspaceID = "ws-2"
	c := createTestOperation("c", "kc", 9, 2*time.Second)
	c.WorkspaceID = "ws-1"
	for _, op := range []model.Operation{a, b, c} {
		mustInsert(t, s, op)
	}
	_, err := s.ClaimBatch(ctx, baseTime, 1) // claims c
	require.NoError(t, err)

	all, err := s.ListOperations(ctx, model.OperationFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, opIDs(all))

	pending, err := s.ListOperations(ctx, model.OperationFilter{Statuses: []model.Status{model.StatusPending}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, opIDs(pending))

	ws, err := s.ListOperations(ctx, model.OperationFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, opIDs(ws))

	docs, err := s.ListOperations(ctx, model.OperationFilter{TargetTable: model.TableDocuments})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, opIDs(docs))

	limited, err := s.ListOperations(ctx, model.OperationFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStatsAndDependencyEdges(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	parent := createTestOperation("parent", "kp", 0, 0)
	child := createTestOperation("child", "kc", 0, time.Second)
	child.DependsOn = []string{"parent"}
	doomed := createTestOperation("doomed", "kd", 0, 2*time.Second)
	for _, op := range []model.Operation{parent, child, doomed} {
		mustInsert(t, s, op)
	}
	markProcessing(t, s, "doomed")
	_, err := s.FailOperation(ctx, model.Failure{ID: "doomed", Reason: "x", Permanent: true, MaxRetries: 5, Now: baseTime})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[model.StatusPending])
	assert.Equal(t, 0, stats.ByStatus[model.StatusProcessing])
	assert.Equal(t, 2, stats.Total())
	assert.Equal(t, 1, stats.DeadLetters)
	assert.Equal(t, 1, stats.DependencyBlocked)
	require.NotNil(t, stats.OldestPendingAt)
	assert.True(t, baseTime.Equal(*stats.OldestPendingAt))

	edges, err := s.DependencyEdges(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"child": {"parent"}}, edges)
}

func opIDs(ops []model.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
