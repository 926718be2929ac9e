// Package admin serves the operator HTTP API: health, metrics, queue
// inspection, dead-letter actions, document history and snapshot
// export/import.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/metrics"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/reconcile"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/tracing"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

// maxBodyBytes bounds request bodies, including imported snapshots.
const maxBodyBytes = 32 << 20

// Server wires HTTP handlers over the queue components.
type Server struct {
	queue      *queue.Queue
	versions   *versions.Service
	reconciler *reconcile.Reconciler
	metrics    *metrics.Collector
	logger     *slog.Logger
	tracing    bool
}

// Config holds the Server dependencies. Metrics may be nil.
type Config struct {
	Queue      *queue.Queue
	Versions   *versions.Service
	Reconciler *reconcile.Reconciler
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	Tracing    bool
}

// New constructs the admin server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		queue:      cfg.Queue,
		versions:   cfg.Versions,
		reconciler: cfg.Reconciler,
		metrics:    cfg.Metrics,
		logger:     logger,
		tracing:    cfg.Tracing,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Get("/metrics", s.handleMetrics)
	}
	r.Get("/stats", s.handleStats)

	r.Get("/operations", s.handleListOperations)
	r.Post("/operations", s.handleEnqueue)
	r.Get("/operations/{id}", s.handleGetOperation)
	r.Post("/operations/{id}/revive", s.handleRevive)

	r.Get("/dead-letters", s.handleListDeadLetters)
	r.Post("/dead-letters/{id}/requeue", s.handleRequeue)
	r.Post("/dead-letters/{id}/archive", s.handleArchive)

	r.Get("/documents/{doc}/panels/{panel}/versions", s.handleHistory)
	r.Post("/documents/{doc}/panels/{panel}/versions", s.handleAppend)
	r.Get("/search", s.handleSearch)

	r.Post("/export", s.handleExport)
	r.Post("/import", s.handleImport)

	return tracing.WrapHandler(s.tracing, "offsync-admin", r)
}

// handleMetrics refreshes the queue gauges before each scrape.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if stats, err := s.queue.Stats(r.Context()); err == nil {
		s.metrics.ObserveStats(stats)
	} else {
		s.logger.Warn("stats for metrics failed", slog.Any("error", err))
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.OperationFilter{
		WorkspaceID: q.Get("workspace"),
		TargetTable: model.TargetTable(q.Get("table")),
	}
	for _, st := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, model.Status(st))
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	filter.Limit = limit
	where, err := queue.NewFilter(q.Get("where"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	ops, err := s.queue.List(r.Context(), filter, where)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

type enqueueBody struct {
	Kind           model.Kind        `json:"kind"`
	TargetTable    model.TargetTable `json:"targetTable"`
	TargetID       string            `json:"targetId"`
	Payload        json.RawMessage   `json:"payload"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Priority       int               `json:"priority"`
	TTL            string            `json:"ttl"`
	ExpiresAt      *time.Time        `json:"expiresAt"`
	DependsOn      []string          `json:"dependsOn"`
	OriginActor    string            `json:"originActor"`
	WorkspaceID    string            `json:"workspaceId"`
	SchemaVersion  int               `json:"schemaVersion"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if !decodeBody(w, r, &body) {
		return
	}
	var ttl time.Duration
	if body.TTL != "" {
		d, err := time.ParseDuration(body.TTL)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ttl"})
			return
		}
		ttl = d
	}
	res, err := s.queue.Guard.Enqueue(r.Context(), queue.EnqueueRequest{
		Kind:           body.Kind,
		TargetTable:    body.TargetTable,
		TargetID:       body.TargetID,
		Payload:        body.Payload,
		IdempotencyKey: body.IdempotencyKey,
		Priority:       body.Priority,
		ExpiresAt:      body.ExpiresAt,
		TTL:            ttl,
		DependsOn:      body.DependsOn,
		OriginActor:    body.OriginActor,
		WorkspaceID:    body.WorkspaceID,
		SchemaVersion:  body.SchemaVersion,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if !res.Accepted {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ttl"})
			return
		}
		ttl = d
	}
	id := chi.URLParam(r, "id")
	if err := s.queue.Escalator.Revive(r.Context(), id, ttl); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revived", "id": id})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.DeadLetterFilter{
		IncludeArchived: q.Get("archived") == "true",
		WorkspaceID:     q.Get("workspace"),
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	filter.Limit = limit
	letters, err := s.queue.Escalator.ListDeadLetters(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Escalator.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !res.Requeued {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Escalator.ArchiveDeadLetter(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived", "id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}
	history, err := s.versions.History(r.Context(), chi.URLParam(r, "doc"), chi.URLParam(r, "panel"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": history})
}

type appendBody struct {
	Content     json.RawMessage `json:"content"`
	BaseVersion *int            `json:"baseVersion"`
	BaseHash    string          `json:"baseHash"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var body appendBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.versions.Append(r.Context(), versions.AppendRequest{
		DocumentID:  chi.URLParam(r, "doc"),
		PanelID:     chi.URLParam(r, "panel"),
		Content:     body.Content,
		BaseVersion: body.BaseVersion,
		BaseHash:    body.BaseHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}
	hits, err := s.versions.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

type exportBody struct {
	Statuses    []model.Status `json:"statuses"`
	WorkspaceID string         `json:"workspaceId"`
	Where       string         `json:"where"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body exportBody
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	where, err := queue.NewFilter(body.Where)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	snap, err := s.reconciler.Export(r.Context(), reconcile.ExportRequest{
		Statuses:    body.Statuses,
		WorkspaceID: body.WorkspaceID,
		Where:       where,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := model.MarshalCanonicalSnapshot(snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req model.ImportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if r.URL.Query().Get("validateOnly") == "true" {
		req.ValidateOnly = true
	}
	res, err := s.reconciler.Import(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, queue.ErrEmptyIdempotencyKey),
		errors.Is(err, queue.ErrInvalidOperation),
		errors.Is(err, queue.ErrDependencyCycle),
		errors.Is(err, versions.ErrInvalidRequest),
		errors.Is(err, reconcile.ErrUnsupportedSnapshot):
		code = http.StatusBadRequest
	case errors.Is(err, reconcile.ErrChecksumMismatch),
		errors.Is(err, model.ErrOperationExists):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("admin request failed", slog.Any("error", err))
	}
	writeJSON(w, code, errorBody(err))
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
