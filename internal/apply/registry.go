package apply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// Registry is a queue.Applier that routes each operation to the applier
// registered for its target table.
type Registry struct {
	schemas  *Schemas
	appliers map[model.TargetTable]queue.Applier
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. schemas may be nil to skip payload
// validation.
func NewRegistry(schemas *Schemas, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		schemas:  schemas,
		appliers: make(map[model.TargetTable]queue.Applier),
		logger:   logger,
	}
}

// Register routes table to a. A later registration replaces an earlier one.
func (r *Registry) Register(table model.TargetTable, a queue.Applier) {
	r.appliers[table] = a
}

// Tables returns the registered tables.
func (r *Registry) Tables() []model.TargetTable {
	tables := make([]model.TargetTable, 0, len(r.appliers))
	for t := range r.appliers {
		tables = append(tables, t)
	}
	return tables
}

// Apply validates the payload and delegates.
func (r *Registry) Apply(ctx context.Context, op model.Operation) queue.Outcome {
	a, ok := r.appliers[op.TargetTable]
	if !ok {
		return queue.Permanent(fmt.Sprintf("no applier for table %q", op.TargetTable))
	}
	if r.schemas != nil {
		if err := r.schemas.Validate(op.TargetTable, op.Payload); err != nil {
			r.logger.Warn("payload rejected",
				slog.String("op_id", op.ID),
				slog.String("target_table", string(op.TargetTable)),
				slog.Any("error", err),
			)
			return queue.Permanent(err.Error())
		}
	}
	return a.Apply(ctx, op)
}

// NewDefaultRegistry wires the built-in appliers: documents and panels
// append to the version store, every other table goes to sink.
func NewDefaultRegistry(schemas *Schemas, docs VersionAppender, sink *RecordingApplier, logger *slog.Logger) *Registry {
	r := NewRegistry(schemas, logger)
	da := NewDocumentApplier(docs, sink, logger)
	r.Register(model.TableDocuments, da)
	r.Register(model.TablePanels, da)
	for _, t := range []model.TargetTable{model.TableNotes, model.TableAnnotations, model.TableItems} {
		r.Register(t, sink)
	}
	return r
}
