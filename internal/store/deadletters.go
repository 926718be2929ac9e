package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

const deadLetterColumns = `
	queue_ref, idempotency_key, kind, target_table, target_id, payload, error_message,
	retry_count, last_error_at, archived, priority, depends_on, origin_actor, workspace_id,
	schema_version, created_at`

func scanDeadLetter(row rowScanner) (model.DeadLetter, error) {
	var (
		dl          model.DeadLetter
		kind, table string
		payload     string
		deps        string
		lastErrorAt int64
		archived    int
		createdAt   int64
	)
	err := row.Scan(
		&dl.QueueRef, &dl.IdempotencyKey, &kind, &table, &dl.TargetID, &payload, &dl.ErrorMessage,
		&dl.RetryCount, &lastErrorAt, &archived, &dl.Priority, &deps, &dl.OriginActor, &dl.WorkspaceID,
		&dl.SchemaVersion, &createdAt,
	)
	if err != nil {
		return model.DeadLetter{}, err
	}
	dl.Kind = model.Kind(kind)
	dl.TargetTable = model.TargetTable(table)
	dl.Payload = []byte(payload)
	dl.LastErrorAt = fromNanos(lastErrorAt)
	dl.Archived = archived != 0
	dl.CreatedAt = fromNanos(createdAt)
	dl.DependsOn, err = unmarshalDependsOn(deps)
	if err != nil {
		return model.DeadLetter{}, err
	}
	return dl, nil
}

// moveToDeadLetter copies op into dead_letters and deletes the live row.
// A dead letter with the same queue_ref (an earlier failure of a requeued
// operation) is replaced.
func moveToDeadLetter(ctx context.Context, tx *sql.Tx, op model.Operation, reason string, retries int, at time.Time) error {
	dl := model.NewDeadLetter(op, reason, retries, at)
	payload, err := marshalPayload(dl.Payload)
	if err != nil {
		return err
	}
	deps, err := marshalDependsOn(dl.DependsOn)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters
		(queue_ref, idempotency_key, kind, target_table, target_id, payload, error_message,
		 retry_count, last_error_at, archived, priority, depends_on, origin_actor, workspace_id,
		 schema_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue_ref) DO UPDATE SET
			idempotency_key = excluded.idempotency_key,
			kind = excluded.kind,
			target_table = excluded.target_table,
			target_id = excluded.target_id,
			payload = excluded.payload,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			last_error_at = excluded.last_error_at,
			archived = 0,
			priority = excluded.priority,
			depends_on = excluded.depends_on,
			origin_actor = excluded.origin_actor,
			workspace_id = excluded.workspace_id,
			schema_version = excluded.schema_version,
			created_at = excluded.created_at
	`,
		dl.QueueRef, dl.IdempotencyKey, string(dl.Kind), string(dl.TargetTable), dl.TargetID, payload,
		dl.ErrorMessage, dl.RetryCount, toNanos(dl.LastErrorAt), dl.Priority, deps, dl.OriginActor,
		dl.WorkspaceID, dl.SchemaVersion, toNanos(dl.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, op.ID); err != nil {
		return fmt.Errorf("delete dead-lettered operation: %w", err)
	}
	return nil
}

func getDeadLetter(ctx context.Context, q queryer, queueRef string) (model.DeadLetter, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE queue_ref = ?`, queueRef)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("scan dead letter: %w", err)
	}
	return dl, nil
}

// GetDeadLetter returns one dead letter by the id it had in the queue.
func (s *Store) GetDeadLetter(ctx context.Context, queueRef string) (model.DeadLetter, error) {
	dl, err := getDeadLetter(ctx, s.db, queueRef)
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("get dead letter %s: %w", queueRef, err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters, most recent failure first.
func (s *Store) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetter, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_error_at DESC, queue_ref COLLATE BINARY ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	letters := []model.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

// RequeueDeadLetter moves a dead letter back into the live queue as a
// pending operation with its original id, a fresh retry budget and no
// deadline. If its idempotency key is live again the dead letter is kept
// and the live id is reported instead.
func (s *Store) RequeueDeadLetter(ctx context.Context, queueRef string) (model.RequeueResult, error) {
	var res model.RequeueResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		dl, err := getDeadLetter(ctx, tx, queueRef)
		if err != nil {
			return err
		}

		existing, err := liveIDForKey(ctx, tx, dl.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != "" {
			res.ExistingID = existing
			return nil
		}

		inserted, err := insertOperation(ctx, tx, dl.Operation())
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: idempotency key %q", model.ErrOperationExists, dl.IdempotencyKey)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE queue_ref = ?`, queueRef); err != nil {
			return fmt.Errorf("delete dead letter: %w", err)
		}
		res.Requeued = true
		return nil
	})
	if err != nil {
		return model.RequeueResult{}, fmt.Errorf("requeue dead letter %s: %w", queueRef, err)
	}
	return res, nil
}

// ArchiveDeadLetter hides a dead letter from default listings. Archived rows
// are kept for audit.
func (s *Store) ArchiveDeadLetter(ctx context.Context, queueRef string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET archived = 1 WHERE queue_ref = ?`, queueRef)
	if err != nil {
		return fmt.Errorf("archive dead letter %s: %w", queueRef, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive dead letter %s: %w", queueRef, ErrNotFound)
	}
	return nil
}
