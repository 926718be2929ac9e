package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = model.ErrNotFound

// Store is the Postgres implementation of the operation, dead-letter and
// version stores. Several processes may share one database: claims use
// FOR UPDATE SKIP LOCKED and version appends take a per-panel advisory
// lock.
type Store struct {
	db *sql.DB
}

var (
	_ queue.Store      = (*Store)(nil)
	_ versions.Backend = (*Store)(nil)
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS operations (
  seq               BIGSERIAL,
  id                TEXT PRIMARY KEY,
  kind              TEXT NOT NULL,
  target_table      TEXT NOT NULL,
  target_id         TEXT NOT NULL,
  payload           TEXT NOT NULL,
  idempotency_key   TEXT NOT NULL UNIQUE CHECK (idempotency_key <> ''),
  priority          INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'failed')),
  retry_count       INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
  expires_at        TIMESTAMPTZ,
  origin_actor      TEXT NOT NULL DEFAULT '',
  workspace_id      TEXT NOT NULL DEFAULT '',
  schema_version    INTEGER NOT NULL,
  error_message     TEXT NOT NULL DEFAULT '',
  created_at        TIMESTAMPTZ NOT NULL,
  last_attempted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_operations_schedule
  ON operations(status, priority DESC, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_operations_expiry
  ON operations(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_operations_workspace
  ON operations(workspace_id);

CREATE TABLE IF NOT EXISTS operation_dependencies (
  operation_id  TEXT NOT NULL REFERENCES operations(id) ON DELETE CASCADE,
  depends_on_id TEXT NOT NULL,
  position      INTEGER NOT NULL,
  PRIMARY KEY (operation_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_dependencies_target
  ON operation_dependencies(depends_on_id);

CREATE TABLE IF NOT EXISTS dead_letters (
  queue_ref       TEXT PRIMARY KEY,
  idempotency_key TEXT NOT NULL,
  kind            TEXT NOT NULL,
  target_table    TEXT NOT NULL,
  target_id       TEXT NOT NULL,
  payload         TEXT NOT NULL,
  error_message   TEXT NOT NULL,
  retry_count     INTEGER NOT NULL,
  last_error_at   TIMESTAMPTZ NOT NULL,
  archived        BOOLEAN NOT NULL DEFAULT FALSE,
  priority        INTEGER NOT NULL DEFAULT 0,
  depends_on      JSONB NOT NULL DEFAULT '[]'::jsonb,
  origin_actor    TEXT NOT NULL DEFAULT '',
  workspace_id    TEXT NOT NULL DEFAULT '',
  schema_version  INTEGER NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_error_at
  ON dead_letters(archived, last_error_at DESC);
CREATE INDEX IF NOT EXISTS idx_dead_letters_key
  ON dead_letters(idempotency_key, archived);

CREATE TABLE IF NOT EXISTS document_versions (
  document_id  TEXT NOT NULL,
  panel_id     TEXT NOT NULL,
  version      INTEGER NOT NULL CHECK (version >= 1),
  content      TEXT NOT NULL,
  plain_text   TEXT NOT NULL DEFAULT '',
  content_hash TEXT NOT NULL,
  base_version INTEGER,
  base_hash    TEXT NOT NULL DEFAULT '',
  conflict     BOOLEAN NOT NULL DEFAULT FALSE,
  created_at   TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (document_id, panel_id, version)
);

CREATE TABLE IF NOT EXISTS search_index (
  document_id TEXT NOT NULL,
  panel_id    TEXT NOT NULL,
  version     INTEGER NOT NULL,
  plain_text  TEXT NOT NULL,
  PRIMARY KEY (document_id, panel_id)
);

CREATE TABLE IF NOT EXISTS search_terms (
  document_id TEXT NOT NULL,
  panel_id    TEXT NOT NULL,
  term        TEXT NOT NULL,
  PRIMARY KEY (document_id, panel_id, term)
);
CREATE INDEX IF NOT EXISTS idx_search_terms_term
  ON search_terms(term);
`

// Open connects to the database at dsn and creates the schema if needed.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// placeholders returns "$start, $start+1, ..." with n markers.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func marshalPayload(payload json.RawMessage) (string, error) {
	data, err := model.StoredPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}
