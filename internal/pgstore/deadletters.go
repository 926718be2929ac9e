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
		deps        []byte
	)
	err := row.Scan(
		&dl.QueueRef, &dl.IdempotencyKey, &kind, &table, &dl.TargetID, &payload, &dl.ErrorMessage,
		&dl.RetryCount, &dl.LastErrorAt, &dl.Archived, &dl.Priority, &deps, &dl.OriginActor, &dl.WorkspaceID,
		&dl.SchemaVersion, &dl.CreatedAt,
	)
	if err != nil {
		return model.DeadLetter{}, err
	}
	dl.Kind = model.Kind(kind)
	dl.TargetTable = model.TargetTable(table)
	dl.Payload = []byte(payload)
	dl.LastErrorAt = dl.LastErrorAt.UTC()
	dl.CreatedAt = dl.CreatedAt.UTC()
	dl.DependsOn = []string{}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &dl.DependsOn); err != nil {
			return model.DeadLetter{}, fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	return dl, nil
}

// moveToDeadLetter copies op into dead_letters, replacing an earlier
// failure with the same queue_ref, and deletes the live row.
func moveToDeadLetter(ctx context.Context, tx *sql.Tx, op model.Operation, reason string, retries int, at time.Time) error {
	dl := model.NewDeadLetter(op, reason, retries, at)
	payload, err := marshalPayload(dl.Payload)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(dl.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO dead_letters
  (queue_ref, idempotency_key, kind, target_table, target_id, payload, error_message,
   retry_count, last_error_at, archived, priority, depends_on, origin_actor, workspace_id,
   schema_version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $11::jsonb, $12, $13, $14, $15)
ON CONFLICT (queue_ref) DO UPDATE SET
  idempotency_key = EXCLUDED.idempotency_key,
  kind = EXCLUDED.kind,
  target_table = EXCLUDED.target_table,
  target_id = EXCLUDED.target_id,
  payload = EXCLUDED.payload,
  error_message = EXCLUDED.error_message,
  retry_count = EXCLUDED.retry_count,
  last_error_at = EXCLUDED.last_error_at,
  archived = FALSE,
  priority = EXCLUDED.priority,
  depends_on = EXCLUDED.depends_on,
  origin_actor = EXCLUDED.origin_actor,
  workspace_id = EXCLUDED.workspace_id,
  schema_version = EXCLUDED.schema_version,
  created_at = EXCLUDED.created_at
`,
		dl.QueueRef, dl.IdempotencyKey, string(dl.Kind), string(dl.TargetTable), dl.TargetID, payload,
		dl.ErrorMessage, dl.RetryCount, dl.LastErrorAt.UTC(), dl.Priority, string(deps), dl.OriginActor,
		dl.WorkspaceID, dl.SchemaVersion, dl.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = $1`, op.ID); err != nil {
		return fmt.Errorf("delete dead-lettered operation: %w", err)
	}
	return nil
}

func getDeadLetter(ctx context.Context, q queryer, queueRef string, forUpdate bool) (model.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE queue_ref = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	dl, err := scanDeadLetter(q.QueryRowContext(ctx, query, queueRef))
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
	dl, err := getDeadLetter(ctx, s.db, queueRef, false)
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
		where = append(where, "NOT archived")
	}
	if filter.WorkspaceID != "" {
		args = append(args, filter.WorkspaceID)
		where = append(where, "workspace_id = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_error_at DESC, queue_ref COLLATE "C" ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
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

// RequeueDeadLetter moves a dead letter back into the live queue with its
// original id and a fresh retry budget, unless its key is live again.
func (s *Store) RequeueDeadLetter(ctx context.Context, queueRef string) (model.RequeueResult, error) {
	var res model.RequeueResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		dl, err := getDeadLetter(ctx, tx, queueRef, true)
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE queue_ref = $1`, queueRef); err != nil {
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

// ArchiveDeadLetter hides a dead letter from default listings.
func (s *Store) ArchiveDeadLetter(ctx context.Context, queueRef string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET archived = TRUE WHERE queue_ref = $1`, queueRef)
	if err != nil {
		return fmt.Errorf("archive dead letter %s: %w", queueRef, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive dead letter %s: %w", queueRef, ErrNotFound)
	}
	return nil
}
