package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

var tracer = otel.Tracer("github.com/dandytbermillo/annotation-backup-sub014/internal/reconcile")

var (
	// ErrUnsupportedSnapshot is returned when a snapshot's format version is
	// newer than this build understands. Nothing is imported.
	ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

	// ErrChecksumMismatch is returned when the supplied checksum does not
	// match the operations and the import is validate-only or strict.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
)

// Store is the read side the reconciler needs beyond the Guard.
type Store interface {
	ListOperations(ctx context.Context, filter model.OperationFilter) ([]model.Operation, error)
	DependencyEdges(ctx context.Context) (map[string][]string, error)
}

// Recorder receives import events for metrics.
type Recorder interface {
	Imported(n int)
	ImportSkipped(n int)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) Imported(int) {}
func (NopRecorder) ImportSkipped(int) {}

// ExportRequest selects what to export. Zero values export everything.
type ExportRequest struct {
	Statuses    []model.Status
	WorkspaceID string
	Where       queue.Filter
}

// Reconciler exports and imports snapshots.
type Reconciler struct {
	store     Store
	guard     *queue.Guard
	now       func() time.Time
	logger    *slog.Logger
	recorder  Recorder
	strict    bool
	maxSchema int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock used for exportedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithStrict makes a checksum mismatch abort every import, not only
// validate-only ones.
func WithStrict(strict bool) Option {
	return func(r *Reconciler) {
		r.strict = strict
	}
}

// WithMaxSchemaVersion sets the newest payload schema version accepted on
// import. Values below 1 are ignored.
func WithMaxSchemaVersion(v int) Option {
	return func(r *Reconciler) {
		if v >= 1 {
			r.maxSchema = v
		}
	}
}

// New creates a Reconciler. guard must write to store.
func New(store Store, guard *queue.Guard, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		guard:     guard,
		now:       time.Now,
		logger:    slog.Default(),
		recorder:  NopRecorder{},
		maxSchema: model.CurrentSchemaVersion,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Export snapshots the live operations matching req, ordered by id.
func (r *Reconciler) Export(ctx context.Context, req ExportRequest) (model.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Export")
	defer span.End()

	ops, err := r.store.ListOperations(ctx, model.OperationFilter{
		Statuses:    req.Statuses,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("export: %w", err)
	}
	ops = req.Where.Apply(ops)
	slices.SortFunc(ops, func(a, b model.Operation) int {
		return strings.Compare(a.ID, b.ID)
	})

	checksum, err := model.SnapshotChecksum(ops)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("export: %w", err)
	}

	span.SetAttributes(attribute.Int("export.operations", len(ops)))
	r.logger.Info("snapshot exported",
		slog.Int("operations", len(ops)),
		slog.String("checksum", checksum),
	)
	return model.Snapshot{
		Version:    model.SnapshotFormatVersion,
		Operations: ops,
		Checksum:   checksum,
		ExportedAt: r.now().UTC(),
	}, nil
}

// Import admits the operations of req. Per-operation problems are reported
// in the result and do not stop the rest of the import; only an
// unsupported snapshot version or (when validate-only or strict) a checksum
// mismatch fails the whole request.
//
// With ValidateOnly nothing is written, but Imported and Skipped report
// what a real import would do.
func (r *Reconciler) Import(ctx context.Context, req model.ImportRequest) (model.ImportResult, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Import")
	defer span.End()
	span.SetAttributes(
		attribute.Int("import.operations", len(req.Operations)),
		attribute.Bool("import.validate_only", req.ValidateOnly),
	)

	res := model.ImportResult{Errors: []model.ImportError{}}

	if req.Version > model.SnapshotFormatVersion {
		return res, fmt.Errorf("%w: %d (max %d)", ErrUnsupportedSnapshot, req.Version, model.SnapshotFormatVersion)
	}

	if req.Checksum != "" {
		if reason := verifyChecksum(req); reason != "" {
			if req.ValidateOnly || r.strict {
				return res, fmt.Errorf("%w: %s", ErrChecksumMismatch, reason)
			}
			r.logger.Warn("importing snapshot despite checksum mismatch", slog.String("reason", reason))
			res.Errors = append(res.Errors, model.ImportError{OperationIndex: -1, Reason: reason})
		}
	}

	plan, err := r.plan(ctx, req)
	if err != nil {
		return res, fmt.Errorf("import: %w", err)
	}

	for i, op := range req.Operations {
		if reason, bad := plan.rejected[i]; bad {
			res.Errors = append(res.Errors, model.ImportError{OperationIndex: i, Reason: reason})
			continue
		}
		if req.ValidateOnly {
			if plan.skip[i] {
				res.Skipped++
			} else {
				res.Imported++
			}
			continue
		}

		out, err := r.guard.Admit(ctx, op)
		switch {
		case err != nil && ctx.Err() != nil:
			return res, fmt.Errorf("import: %w", ctx.Err())
		case err != nil:
			res.Errors = append(res.Errors, model.ImportError{OperationIndex: i, Reason: importReason(err)})
		case out.Accepted:
			res.Imported++
		default:
			res.Skipped++
		}
	}

	if !req.ValidateOnly {
		r.recorder.Imported(res.Imported)
		r.recorder.ImportSkipped(res.Skipped)
	}
	span.SetAttributes(
		attribute.Int("import.imported", res.Imported),
		attribute.Int("import.skipped", res.Skipped),
		attribute.Int("import.errors", len(res.Errors)),
	)
	r.logger.Info("snapshot imported",
		slog.Bool("validate_only", req.ValidateOnly),
		slog.Int("imported", res.Imported),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func verifyChecksum(req model.ImportRequest) string {
	got, err := model.SnapshotChecksum(req.Operations)
	if err != nil {
		return fmt.Sprintf("checksum mismatch: operations cannot be hashed: %v", err)
	}
	if got != req.Checksum {
		return fmt.Sprintf("checksum mismatch: expected %s, computed %s", req.Checksum, got)
	}
	return ""
}

func importReason(err error) string {
	var oe *queue.OperationError
	if errors.As(err, &oe) {
		return oe.Message
	}
	return err.Error()
}
