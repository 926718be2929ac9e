package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

const versionColumns = `
  document_id, panel_id, version, content, plain_text, content_hash,
  base_version, base_hash, conflict, created_at`

func scanVersion(row rowScanner) (model.DocumentVersion, error) {
	var (
		v           model.DocumentVersion
		content     string
		baseVersion sql.NullInt64
	)
	err := row.Scan(
		&v.DocumentID, &v.PanelID, &v.Version, &content, &v.PlainText, &v.ContentHash,
		&baseVersion, &v.BaseHash, &v.Conflict, &v.CreatedAt,
	)
	if err != nil {
		return model.DocumentVersion{}, err
	}
	v.Content = []byte(content)
	v.BaseVersion = fromNullInt(baseVersion)
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

func latestVersion(ctx context.Context, q queryer, documentID, panelID string) (*model.DocumentVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx, `
SELECT `+versionColumns+`
FROM document_versions
WHERE document_id = $1 AND panel_id = $2
ORDER BY version DESC
LIMIT 1
`, documentID, panelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest version: %w", err)
	}
	return &v, nil
}

// AppendVersion writes the next version of a panel. A transaction-scoped
// advisory lock keyed on the panel serializes appenders across processes,
// so the conflict decision always sees the true latest version.
func (s *Store) AppendVersion(ctx context.Context, in model.VersionAppend) (model.VersionAppendResult, error) {
	var res model.VersionAppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			in.DocumentID+"\x00"+in.PanelID,
		); err != nil {
			return fmt.Errorf("lock panel: %w", err)
		}

		latest, err := latestVersion(ctx, tx, in.DocumentID, in.PanelID)
		if err != nil {
			return err
		}
		next := 1
		if latest != nil {
			next = latest.Version + 1
			res.PreviousVersion = latest.Version
		}
		res.Version = next
		res.Conflict = model.DetectConflict(latest, in.BaseVersion, in.BaseHash)

		content, err := marshalPayload(in.Content)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO document_versions
  (document_id, panel_id, version, content, plain_text, content_hash,
   base_version, base_hash, conflict, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`,
			in.DocumentID, in.PanelID, next, content, in.PlainText, in.ContentHash,
			nullInt(in.BaseVersion), in.BaseHash, res.Conflict, in.Now.UTC(),
		); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		return replaceSearchEntry(ctx, tx, in, next)
	})
	if err != nil {
		return model.VersionAppendResult{}, fmt.Errorf("append version %s/%s: %w", in.DocumentID, in.PanelID, err)
	}
	return res, nil
}

func replaceSearchEntry(ctx context.Context, tx *sql.Tx, in model.VersionAppend, version int) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO search_index (document_id, panel_id, version, plain_text)
VALUES ($1, $2, $3, $4)
ON CONFLICT (document_id, panel_id) DO UPDATE SET
  version = EXCLUDED.version,
  plain_text = EXCLUDED.plain_text
`, in.DocumentID, in.PanelID, version, in.PlainText); err != nil {
		return fmt.Errorf("upsert search index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM search_terms WHERE document_id = $1 AND panel_id = $2
`, in.DocumentID, in.PanelID); err != nil {
		return fmt.Errorf("clear search terms: %w", err)
	}
	for _, term := range in.Terms {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO search_terms (document_id, panel_id, term)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`, in.DocumentID, in.PanelID, term); err != nil {
			return fmt.Errorf("insert search term: %w", err)
		}
	}
	return nil
}

// LatestVersion returns the newest version of a panel.
func (s *Store) LatestVersion(ctx context.Context, documentID, panelID string) (model.DocumentVersion, error) {
	v, err := latestVersion(ctx, s.db, documentID, panelID)
	if err != nil {
		return model.DocumentVersion{}, fmt.Errorf("latest version %s/%s: %w", documentID, panelID, err)
	}
	if v == nil {
		return model.DocumentVersion{}, fmt.Errorf("latest version %s/%s: %w", documentID, panelID, ErrNotFound)
	}
	return *v, nil
}

// GetVersion returns one specific version of a panel.
func (s *Store) GetVersion(ctx context.Context, documentID, panelID string, version int) (model.DocumentVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, `
SELECT `+versionColumns+`
FROM document_versions
WHERE document_id = $1 AND panel_id = $2 AND version = $3
`, documentID, panelID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DocumentVersion{}, fmt.Errorf("get version %s/%s@%d: %w", documentID, panelID, version, ErrNotFound)
	}
	if err != nil {
		return model.DocumentVersion{}, fmt.Errorf("get version %s/%s@%d: %w", documentID, panelID, version, err)
	}
	return v, nil
}

// ListVersions returns a panel's history, newest first.
func (s *Store) ListVersions(ctx context.Context, documentID, panelID string, limit int) ([]model.DocumentVersion, error) {
	query := `
SELECT ` + versionColumns + `
FROM document_versions
WHERE document_id = $1 AND panel_id = $2
ORDER BY version DESC`
	args := []any{documentID, panelID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []model.DocumentVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("list versions: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return out, nil
}

// Search returns panels whose latest plain text contains every term.
func (s *Store) Search(ctx context.Context, terms []string, limit int) ([]model.SearchHit, error) {
	hits := []model.SearchHit{}
	if len(terms) == 0 {
		return hits, nil
	}

	args := make([]any, 0, len(terms)+2)
	for _, t := range terms {
		args = append(args, t)
	}
	args = append(args, len(terms))
	query := `
SELECT si.document_id, si.panel_id, si.version, si.plain_text
FROM search_index si
WHERE (
  SELECT COUNT(DISTINCT t.term) FROM search_terms t
  WHERE t.document_id = si.document_id
    AND t.panel_id = si.panel_id
    AND t.term IN (` + placeholders(1, len(terms)) + `)
) = $` + strconv.Itoa(len(args)) + `
ORDER BY si.document_id COLLATE "C", si.panel_id COLLATE "C"`
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h model.SearchHit
		if err := rows.Scan(&h.DocumentID, &h.PanelID, &h.Version, &h.PlainText); err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}
