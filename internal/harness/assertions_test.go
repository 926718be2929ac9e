package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocationTrace(ActionEnqueue, map[string]any{"key": "a", "priority": 3}, 1)
	r.AddCompletionTrace(CaseAccepted, map[string]any{"id": "op-0001"}, 2)
	r.AddInvocationTrace(ActionClaim, map[string]any{"limit": 1}, 3)
	r.AddCompletionTrace(CaseClaimed, map[string]any{"keys": []any{"a"}}, 4)
	r.AddInvocationTrace(ActionComplete, map[string]any{"key": "a"}, 5)
	r.AddCompletionTrace(CaseCompleted, nil, 6)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: ActionEnqueue}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: ActionEnqueue, Args: map[string]any{"priority": 3}}))

	err := assertTraceContains(trace, Assertion{Action: ActionEnqueue, Args: map[string]any{"priority": 4}})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Contains(t, err.Error(), "[1] queue.enqueue")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{ActionEnqueue, ActionComplete}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{ActionComplete, ActionClaim}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, Assertion{Actions: []string{ActionEnqueue, ActionReap}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action: queue.reap")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionClaim, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionReap, Count: 0}))
	assert.Error(t, assertTraceCount(trace, Assertion{Action: ActionClaim, Count: 2}))
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"status":      "pending",
		"retry_count": 2,
		"depends_on":  []any{"a", "b"},
	}

	_, ok := matchSubset(map[string]any{"retry_count": int64(2)}, actual)
	assert.True(t, ok, "integer widths are interchangeable")

	_, ok = matchSubset(map[string]any{"depends_on": []any{"a", "b"}}, actual)
	assert.True(t, ok)

	field, ok := matchSubset(map[string]any{"status": "pending", "depends_on": []any{"b", "a"}}, actual)
	assert.False(t, ok)
	assert.Equal(t, "depends_on", field)

	field, ok = matchSubset(map[string]any{"missing": true}, actual)
	assert.False(t, ok)
	assert.Equal(t, "missing", field)

	_, ok = matchSubset(nil, actual)
	assert.True(t, ok, "empty expectation matches anything")
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "key=a AND status=failed", formatWhereClause(map[string]any{"status": "failed", "key": "a"}))
}
