package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

var (
	// ErrNotFound is returned when a panel or version does not exist.
	ErrNotFound = model.ErrNotFound

	// ErrInvalidRequest is returned for a malformed append.
	ErrInvalidRequest = errors.New("invalid version request")
)

// AppendRequest is one edit to a panel. BaseVersion is the version the
// editor started from (nil for a brand new panel); BaseHash optionally
// pins its content hash.
type AppendRequest struct {
	DocumentID  string
	PanelID     string
	Content     json.RawMessage
	BaseVersion *int
	BaseHash    string
}

// AppendResult reports the stored version.
type AppendResult struct {
	Version         int    `json:"version"`
	Conflict        bool   `json:"conflict"`
	PreviousVersion int    `json:"previousVersion"`
	ContentHash     string `json:"contentHash"`
}

// Service is the Version/Conflict Store.
type Service struct {
	backend  Backend
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
	extract  Extractor
}

// NewService creates a Service over backend.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		now:      time.Now,
		logger:   slog.Default(),
		recorder: NopRecorder{},
		extract:  RichTextExtractor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append writes the next version of a panel. It never rejects an edit for
// being stale: a stale base is reported through Conflict and persisted on
// the version row.
func (s *Service) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	ctx, span := tracer.Start(ctx, "versions.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.id", req.DocumentID),
		attribute.String("panel.id", req.PanelID),
	)

	if strings.TrimSpace(req.DocumentID) == "" || strings.TrimSpace(req.PanelID) == "" {
		return AppendResult{}, fmt.Errorf("%w: documentId and panelId are required", ErrInvalidRequest)
	}
	content := req.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	if !json.Valid(content) {
		return AppendResult{}, fmt.Errorf("%w: content is not valid JSON", ErrInvalidRequest)
	}
	if req.BaseVersion != nil && *req.BaseVersion < 0 {
		return AppendResult{}, fmt.Errorf("%w: baseVersion must be >= 0", ErrInvalidRequest)
	}

	hash, err := model.ContentHash(content)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	plain, err := s.extract(content)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	out, err := s.backend.AppendVersion(ctx, model.VersionAppend{
		DocumentID:  req.DocumentID,
		PanelID:     req.PanelID,
		Content:     content,
		PlainText:   plain,
		ContentHash: hash,
		Terms:       Terms(plain),
		BaseVersion: req.BaseVersion,
		BaseHash:    req.BaseHash,
		Now:         s.now().UTC(),
	})
	if err != nil {
		return AppendResult{}, err
	}

	span.SetAttributes(
		attribute.Int("version", out.Version),
		attribute.Bool("conflict", out.Conflict),
	)
	s.recorder.Appended()
	if out.Conflict {
		s.recorder.Conflict()
		s.logger.Warn("version conflict",
			slog.String("document_id", req.DocumentID),
			slog.String("panel_id", req.PanelID),
			slog.Int("version", out.Version),
			slog.Int("previous_version", out.PreviousVersion),
			slog.Any("base_version", req.BaseVersion),
		)
	} else {
		s.logger.Debug("version appended",
			slog.String("document_id", req.DocumentID),
			slog.String("panel_id", req.PanelID),
			slog.Int("version", out.Version),
		)
	}

	return AppendResult{
		Version:         out.Version,
		Conflict:        out.Conflict,
		PreviousVersion: out.PreviousVersion,
		ContentHash:     hash,
	}, nil
}

// Latest returns the newest version of a panel.
func (s *Service) Latest(ctx context.Context, documentID, panelID string) (model.DocumentVersion, error) {
	return s.backend.LatestVersion(ctx, documentID, panelID)
}

// Get returns one version of a panel.
func (s *Service) Get(ctx context.Context, documentID, panelID string, version int) (model.DocumentVersion, error) {
	return s.backend.GetVersion(ctx, documentID, panelID, version)
}

// History returns up to limit versions, newest first. limit <= 0 returns
// all of them.
func (s *Service) History(ctx context.Context, documentID, panelID string, limit int) ([]model.DocumentVersion, error) {
	return s.backend.ListVersions(ctx, documentID, panelID, limit)
}

// Search returns panels whose latest text contains every word of query.
// An empty query matches nothing.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]model.SearchHit, error) {
	ctx, span := tracer.Start(ctx, "versions.Search")
	defer span.End()

	terms := Terms(query)
	span.SetAttributes(attribute.Int("search.terms", len(terms)))
	if len(terms) == 0 {
		return []model.SearchHit{}, nil
	}
	return s.backend.Search(ctx, terms, limit)
}
