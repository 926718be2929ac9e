package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type == "invocation" {
				fmt.Fprintf(&buf, "  [%d] %s %v\n", i+1, event.Action, event.Args)
			}
		}
	}
	return buf.String()
}

// evaluateAssertions runs every assertion and returns the failure messages.
func (h *Harness) evaluateAssertions(ctx context.Context, result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = h.assertFinalState(ctx, a)
		case AssertStateCount:
			err = h.assertStateCount(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// assertTraceContains checks that the trace has an invocation of the
// action whose args include assertion.Args.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == "invocation" && event.Action == assertion.Action {
			if _, ok := matchSubset(assertion.Args, event.Args); ok {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that actions first appear in the given order.
// Intervening actions are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != "invocation" {
			continue
		}
		if _, seen := positions[event.Action]; !seen {
			positions[event.Action] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev, curr := assertion.Actions[i-1], assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the action was invoked exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == "invocation" && event.Action == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one row matches Where and that it
// carries the Expect fields.
func (h *Harness) assertFinalState(ctx context.Context, assertion Assertion) error {
	rows, err := h.selectRows(ctx, assertion.Table, assertion.Where)
	if err != nil {
		return err
	}

	whereDesc := formatWhereClause(assertion.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	if field, ok := matchSubset(assertion.Expect, rows[0]); !ok {
		actual, exists := rows[0][field]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", field),
				Actual:   fmt.Sprintf("fields: %v", sortedKeys(rows[0])),
			}
		}
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("field %q = %v", field, assertion.Expect[field]),
			Actual:   fmt.Sprintf("field %q = %v", field, actual),
		}
	}
	return nil
}

// assertStateCount checks how many rows match Where.
func (h *Harness) assertStateCount(ctx context.Context, assertion Assertion) error {
	rows, err := h.selectRows(ctx, assertion.Table, assertion.Where)
	if err != nil {
		return err
	}
	if len(rows) != assertion.Count {
		return &AssertionError{
			Type:     AssertStateCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", assertion.Count, assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	return nil
}

// selectRows loads a state table as rows keyed by snake_case field names
// and keeps those matching where.
func (h *Harness) selectRows(ctx context.Context, table string, where map[string]any) ([]map[string]any, error) {
	var all []map[string]any
	switch table {
	case TableOperations:
		ops, err := h.queue.List(ctx, model.OperationFilter{}, queue.Filter{})
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			deps := make([]any, len(op.DependsOn))
			for i, dep := range op.DependsOn {
				deps[i] = h.keyOf(dep)
			}
			all = append(all, map[string]any{
				"key":         op.IdempotencyKey,
				"id":          op.ID,
				"kind":        string(op.Kind),
				"table":       string(op.TargetTable),
				"target":      op.TargetID,
				"status":      string(op.Status),
				"priority":    op.Priority,
				"retry_count": op.RetryCount,
				"error":       op.ErrorMessage,
				"depends_on":  deps,
				"workspace":   op.WorkspaceID,
				"expires":     op.ExpiresAt != nil,
			})
		}
	case TableDeadLetters:
		letters, err := h.queue.Escalator.ListDeadLetters(ctx, model.DeadLetterFilter{IncludeArchived: true})
		if err != nil {
			return nil, err
		}
		for _, d := range letters {
			all = append(all, map[string]any{
				"key":         d.IdempotencyKey,
				"id":          d.QueueRef,
				"kind":        string(d.Kind),
				"table":       string(d.TargetTable),
				"target":      d.TargetID,
				"retry_count": d.RetryCount,
				"error":       d.ErrorMessage,
				"archived":    d.Archived,
			})
		}
	case TableVersions:
		for _, p := range h.panels {
			history, err := h.versions.History(ctx, p[0], p[1], 0)
			if err != nil {
				return nil, err
			}
			for _, v := range history {
				all = append(all, map[string]any{
					"document": v.DocumentID,
					"panel":    v.PanelID,
					"version":  v.Version,
					"conflict": v.Conflict,
					"text":     v.PlainText,
				})
			}
		}
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}

	var rows []map[string]any
	for _, row := range all {
		if _, ok := matchSubset(where, row); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// matchSubset reports whether every field of expected equals the same
// field of actual. On mismatch it returns the first offending field.
func matchSubset(expected, actual map[string]any) (string, bool) {
	for _, key := range sortedKeys(expected) {
		got, ok := actual[key]
		if !ok || !valuesEqual(expected[key], got) {
			return key, false
		}
	}
	return "", true
}

// valuesEqual compares YAML-decoded expectations with harness values,
// treating every integer type alike.
func valuesEqual(expected, actual any) bool {
	if e, ok := toInt64(expected); ok {
		a, ok := toInt64(actual)
		return ok && e == a
	}
	switch e := expected.(type) {
	case nil:
		return actual == nil
	case []any:
		a, ok := actual.([]any)
		if !ok || len(a) != len(e) {
			return false
		}
		for i := range e {
			if !valuesEqual(e[i], a[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		a, ok := actual.(map[string]any)
		if !ok || len(a) != len(e) {
			return false
		}
		_, ok = matchSubset(e, a)
		return ok
	default:
		return expected == actual
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// formatWhereClause creates a human-readable description of where.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
