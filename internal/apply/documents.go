package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

// DefaultPanelID is used for document operations that name no panel.
const DefaultPanelID = "main"

// VersionAppender is the slice of versions.Service the document applier
// needs.
type VersionAppender interface {
	Append(ctx context.Context, req versions.AppendRequest) (versions.AppendResult, error)
}

// documentPayload is the part of a documents/panels payload the applier
// reads. Shape is enforced by the CUE schema.
type documentPayload struct {
	DocumentID  string          `json:"documentId"`
	PanelID     string          `json:"panelId"`
	Content     json.RawMessage `json:"content"`
	BaseVersion *int            `json:"baseVersion"`
	BaseHash    string          `json:"baseHash"`
}

// DocumentApplier turns create/update operations on documents and panels
// into appended versions.
//
// For documents the target id is the document and the panel comes from the
// payload (default "main"); for panels the target id is the panel and the
// payload must name its document. A conflicting version is still a
// success: the conflict is stored on the version for a person to resolve.
// Deletes are forwarded to deletes, since version history is append-only.
type DocumentApplier struct {
	versions VersionAppender
	deletes  queue.Applier
	logger   *slog.Logger
}

// NewDocumentApplier creates a DocumentApplier. deletes may be nil, in
// which case deletes succeed without effect.
func NewDocumentApplier(v VersionAppender, deletes queue.Applier, logger *slog.Logger) *DocumentApplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentApplier{versions: v, deletes: deletes, logger: logger}
}

// Apply implements queue.Applier.
func (a *DocumentApplier) Apply(ctx context.Context, op model.Operation) queue.Outcome {
	if op.Kind == model.KindDelete {
		if a.deletes == nil {
			return queue.Success()
		}
		return a.deletes.Apply(ctx, op)
	}

	var p documentPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return queue.Permanent(fmt.Sprintf("decode payload: %v", err))
	}
	req, err := appendRequest(op, p)
	if err != nil {
		return queue.Permanent(err.Error())
	}

	res, err := a.versions.Append(ctx, req)
	switch {
	case errors.Is(err, versions.ErrInvalidRequest):
		return queue.Permanent(err.Error())
	case err != nil:
		return queue.Retryable(err.Error())
	}

	if res.Conflict {
		a.logger.Warn("operation produced a conflicting version",
			slog.String("op_id", op.ID),
			slog.String("document_id", req.DocumentID),
			slog.String("panel_id", req.PanelID),
			slog.Int("version", res.Version),
		)
	}
	return queue.Success()
}

func appendRequest(op model.Operation, p documentPayload) (versions.AppendRequest, error) {
	req := versions.AppendRequest{
		Content:     p.Content,
		BaseVersion: p.BaseVersion,
		BaseHash:    p.BaseHash,
	}
	switch op.TargetTable {
	case model.TableDocuments:
		req.DocumentID = op.TargetID
		req.PanelID = p.PanelID
		if req.PanelID == "" {
			req.PanelID = DefaultPanelID
		}
	case model.TablePanels:
		if p.DocumentID == "" {
			return req, errors.New("panels payload requires documentId")
		}
		req.DocumentID = p.DocumentID
		req.PanelID = op.TargetID
	default:
		return req, fmt.Errorf("document applier cannot handle table %q", op.TargetTable)
	}
	if len(req.Content) == 0 {
		return req, errors.New("payload requires content")
	}
	return req, nil
}
