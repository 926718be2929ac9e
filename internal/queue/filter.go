package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Filter is a compiled CEL predicate over operations, used by list and
// export to narrow results beyond the status filter, e.g.
//
//	targetTable == "documents" && priority >= 5
//	payload.title.startsWith("draft")
//
// The zero Filter (or one built from an empty expression) matches every
// operation.
type Filter struct {
	expr string
	prog cel.Program
}

// NewFilter compiles expr. The expression must evaluate to bool.
func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("targetTable", cel.StringType),
		cel.Variable("targetId", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("status", cel.StringType),
		cel.Variable("retryCount", cel.IntType),
		cel.Variable("originActor", cel.StringType),
		cel.Variable("workspaceId", cel.StringType),
		cel.Variable("schemaVersion", cel.IntType),
		cel.Variable("dependsOn", cel.ListType(cel.StringType)),
		// Decoded JSON payload for field filtering.
		cel.Variable("payload", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return Filter{}, fmt.Errorf("filter env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("filter %q: %w", expr, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return Filter{}, fmt.Errorf("filter %q: must evaluate to bool, got %s", expr, t)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Filter{}, fmt.Errorf("filter %q: %w", expr, err)
	}
	return Filter{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (f Filter) String() string {
	return f.expr
}

// Match reports whether op satisfies the filter. Evaluation errors (for
// example a missing payload field) count as no match.
func (f Filter) Match(op model.Operation) bool {
	if f.prog == nil {
		return true
	}
	var payload any
	if len(op.Payload) > 0 {
		_ = json.Unmarshal(op.Payload, &payload)
	}
	deps := op.DependsOn
	if deps == nil {
		deps = []string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":            op.ID,
		"kind":          string(op.Kind),
		"targetTable":   string(op.TargetTable),
		"targetId":      op.TargetID,
		"priority":      int64(op.Priority),
		"status":        string(op.Status),
		"retryCount":    int64(op.RetryCount),
		"originActor":   op.OriginActor,
		"workspaceId":   op.WorkspaceID,
		"schemaVersion": int64(op.SchemaVersion),
		"dependsOn":     deps,
		"payload":       payload,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Apply returns the operations that match, preserving order.
func (f Filter) Apply(ops []model.Operation) []model.Operation {
	if f.prog == nil {
		return ops
	}
	out := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		if f.Match(op) {
			out = append(out, op)
		}
	}
	return out
}
