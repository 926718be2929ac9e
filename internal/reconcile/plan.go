package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// importPlan is the pre-flight verdict on every operation of a request.
type importPlan struct {
	// rejected maps operation index -> reason.
	rejected map[int]string

	// skip marks operations whose idempotency key is already live. Only
	// computed for validate-only requests; real imports let the Guard
	// decide.
	skip map[int]bool
}

// plan validates each operation and finds dependency cycles across the
// snapshot and the stored dependency edges.
func (r *Reconciler) plan(ctx context.Context, req model.ImportRequest) (*importPlan, error) {
	p := &importPlan{
		rejected: make(map[int]string),
		skip:     make(map[int]bool),
	}

	edges, err := r.store.DependencyEdges(ctx)
	if err != nil {
		return nil, err
	}
	graph := queue.DependencyGraph(edges)
	if graph == nil {
		graph = queue.DependencyGraph{}
	}
	for _, op := range req.Operations {
		if op.ID != "" && len(op.DependsOn) > 0 {
			graph[op.ID] = append(graph[op.ID], op.DependsOn...)
		}
	}
	cycles := queue.CycleMembers(graph)

	for i, op := range req.Operations {
		if c, ok := cycles[op.ID]; ok && op.ID != "" {
			p.rejected[i] = fmt.Sprintf("dependency cycle: %s", strings.Join(c.Path, " -> "))
			continue
		}
		if err := op.Validate(); err != nil {
			p.rejected[i] = err.Error()
			continue
		}
		if op.SchemaVersion > r.maxSchema {
			p.rejected[i] = queue.NewUnsupportedSchemaError(op.ID, op.SchemaVersion, r.maxSchema).Message
		}
	}

	if req.ValidateOnly {
		if err := r.simulateAdmit(ctx, req, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// simulateAdmit mirrors what the Guard would decide for each surviving
// operation, in request order, without writing.
func (r *Reconciler) simulateAdmit(ctx context.Context, req model.ImportRequest, p *importPlan) error {
	live, err := r.store.ListOperations(ctx, model.OperationFilter{})
	if err != nil {
		return err
	}
	keys := make(map[string]bool, len(live))
	ids := make(map[string]bool, len(live))
	for _, op := range live {
		keys[op.IdempotencyKey] = true
		ids[op.ID] = true
	}

	for i, op := range req.Operations {
		if _, bad := p.rejected[i]; bad {
			continue
		}
		switch {
		case keys[op.IdempotencyKey]:
			p.skip[i] = true
		case ids[op.ID]:
			p.rejected[i] = "id already used by another operation"
		default:
			keys[op.IdempotencyKey] = true
			ids[op.ID] = true
		}
	}
	return nil
}
