package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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
		conflict    int
		createdAt   int64
	)
	err := row.Scan(
		&v.DocumentID, &v.PanelID, &v.Version, &content, &v.PlainText, &v.ContentHash,
		&baseVersion, &v.BaseHash, &conflict, &createdAt,
	)
	if err != nil {
		return model.DocumentVersion{}, err
	}
	v.Content = []byte(content)
	v.BaseVersion = fromNullInt(baseVersion)
	v.Conflict = conflict != 0
	v.CreatedAt = fromNanos(createdAt)
	return v, nil
}

func latestVersion(ctx context.Context, q queryer, documentID, panelID string) (*model.DocumentVersion, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id = ? AND panel_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, documentID, panelID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest version: %w", err)
	}
	return &v, nil
}

// AppendVersion writes the next version of a panel and refreshes its search
// entry. The conflict decision is made against the latest version read in
// the same transaction, so concurrent appends to one panel are serialized.
func (s *Store) AppendVersion(ctx context.Context, in model.VersionAppend) (model.VersionAppendResult, error) {
	var res model.VersionAppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			in.DocumentID, in.PanelID, next, content, in.PlainText, in.ContentHash,
			nullInt(in.BaseVersion), in.BaseHash, boolToInt(res.Conflict), toNanos(in.Now),
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id, panel_id) DO UPDATE SET
			version = excluded.version,
			plain_text = excluded.plain_text
	`, in.DocumentID, in.PanelID, version, in.PlainText); err != nil {
		return fmt.Errorf("upsert search index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM search_terms WHERE document_id = ? AND panel_id = ?
	`, in.DocumentID, in.PanelID); err != nil {
		return fmt.Errorf("clear search terms: %w", err)
	}
	for _, term := range in.Terms {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO search_terms (document_id, panel_id, term)
			VALUES (?, ?, ?)
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
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id = ? AND panel_id = ? AND version = ?
	`, documentID, panelID, version)
	v, err := scanVersion(row)
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
		WHERE document_id = ? AND panel_id = ?
		ORDER BY version DESC`
	args := []any{documentID, panelID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := []model.DocumentVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("list versions: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// Search returns panels whose latest plain text contains every term.
// Terms must already be normalised the same way as at append time.
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
			  AND t.term IN (` + placeholders(len(terms)) + `)
		) = ?
		ORDER BY si.document_id COLLATE BINARY, si.panel_id COLLATE BINARY`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
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
