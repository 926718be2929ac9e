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

const operationColumns = `
	o.seq, o.id, o.kind, o.target_table, o.target_id, o.payload, o.idempotency_key,
	o.priority, o.status, o.retry_count, o.expires_at, o.origin_actor, o.workspace_id,
	o.schema_version, o.error_message, o.created_at, o.last_attempted_at`

// dependencyChunk bounds the IN list when loading dependencies.
const dependencyChunk = 500

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var (
		op            model.Operation
		kind, table   string
		status        string
		payload       string
		expiresAt     sql.NullInt64
		createdAt     int64
		lastAttempted sql.NullInt64
	)
	err := row.Scan(
		&op.Seq, &op.ID, &kind, &table, &op.TargetID, &payload, &op.IdempotencyKey,
		&op.Priority, &status, &op.RetryCount, &expiresAt, &op.OriginActor, &op.WorkspaceID,
		&op.SchemaVersion, &op.ErrorMessage, &createdAt, &lastAttempted,
	)
	if err != nil {
		return model.Operation{}, err
	}
	op.Kind = model.Kind(kind)
	op.TargetTable = model.TargetTable(table)
	op.Status = model.Status(status)
	op.Payload = []byte(payload)
	op.ExpiresAt = fromNullNanos(expiresAt)
	op.CreatedAt = fromNanos(createdAt)
	op.LastAttemptedAt = fromNullNanos(lastAttempted)
	op.DependsOn = []string{}
	return op, nil
}

// queryOperations runs a SELECT over operations and attaches dependencies.
func queryOperations(ctx context.Context, q queryer, query string, args ...any) ([]model.Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []model.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	rows.Close()

	if err := attachDependencies(ctx, q, ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// attachDependencies fills DependsOn for each op, in declared order.
func attachDependencies(ctx context.Context, q queryer, ops []model.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	index := make(map[string]int, len(ops))
	ids := make([]string, 0, len(ops))
	for i, op := range ops {
		index[op.ID] = i
		ids = append(ids, op.ID)
	}

	for start := 0; start < len(ids); start += dependencyChunk {
		end := min(start+dependencyChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := q.QueryContext(ctx, `
			SELECT operation_id, depends_on_id
			FROM operation_dependencies
			WHERE operation_id IN (`+placeholders(len(chunk))+`)
			ORDER BY operation_id, position
		`, args...)
		if err != nil {
			return fmt.Errorf("query dependencies: %w", err)
		}
		for rows.Next() {
			var opID, dep string
			if err := rows.Scan(&opID, &dep); err != nil {
				rows.Close()
				return fmt.Errorf("scan dependency: %w", err)
			}
			i := index[opID]
			ops[i].DependsOn = append(ops[i].DependsOn, dep)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate dependencies: %w", err)
		}
	}
	return nil
}

func getOperation(ctx context.Context, q queryer, id string) (model.Operation, error) {
	ops, err := queryOperations(ctx, q, `SELECT `+operationColumns+` FROM operations o WHERE o.id = ?`, id)
	if err != nil {
		return model.Operation{}, err
	}
	if len(ops) == 0 {
		return model.Operation{}, ErrNotFound
	}
	return ops[0], nil
}

// insertOperation writes op and its dependency rows. The caller has already
// checked the idempotency key inside the same transaction.
func insertOperation(ctx context.Context, tx *sql.Tx, op model.Operation) (bool, error) {
	payload, err := marshalPayload(op.Payload)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations
		(id, kind, target_table, target_id, payload, idempotency_key, priority, status,
		 retry_count, expires_at, origin_actor, workspace_id, schema_version, error_message,
		 created_at, last_attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		op.ID, string(op.Kind), string(op.TargetTable), op.TargetID, payload, op.IdempotencyKey,
		op.Priority, string(op.Status), op.RetryCount, toNullNanos(op.ExpiresAt),
		op.OriginActor, op.WorkspaceID, op.SchemaVersion, op.ErrorMessage,
		toNanos(op.CreatedAt), toNullNanos(op.LastAttemptedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: %s", model.ErrOperationExists, op.ID)
		}
		return false, fmt.Errorf("insert operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	for pos, dep := range op.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO operation_dependencies (operation_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, op.ID, dep, pos); err != nil {
			return false, fmt.Errorf("insert dependency: %w", err)
		}
	}
	return true, nil
}

func liveIDForKey(ctx context.Context, q queryer, key string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM operations WHERE idempotency_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, nil
}

// InsertOperation inserts op unless a live row already holds its
// idempotency key. It returns the id of the row holding the key and whether
// op was the one inserted. An id collision under a different key returns
// model.ErrOperationExists.
func (s *Store) InsertOperation(ctx context.Context, op model.Operation) (string, bool, error) {
	var (
		id       string
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := liveIDForKey(ctx, tx, op.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != "" {
			id = existing
			return nil
		}

		inserted, err = insertOperation(ctx, tx, op)
		if err != nil {
			return err
		}
		if inserted {
			id = op.ID
			return nil
		}
		// Lost a race on the key within the same database.
		id, err = liveIDForKey(ctx, tx, op.IdempotencyKey)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("insert operation: %w", err)
	}
	return id, inserted, nil
}

// GetOperation returns a live operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (model.Operation, error) {
	op, err := getOperation(ctx, s.db, id)
	if err != nil {
		return model.Operation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// ListOperations returns live operations matching filter in scheduling
// order: priority DESC, created_at ASC, seq ASC.
func (s *Store) ListOperations(ctx context.Context, filter model.OperationFilter) ([]model.Operation, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "o.status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.WorkspaceID != "" {
		where = append(where, "o.workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.TargetTable != "" {
		where = append(where, "o.target_table = ?")
		args = append(args, string(filter.TargetTable))
	}

	query := `SELECT ` + operationColumns + ` FROM operations o`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY o.priority DESC, o.created_at ASC, o.seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	ops, err := queryOperations(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// ClaimBatch selects up to limit eligible operations and marks them
// processing in one transaction.
//
// Eligible means: status pending, not past expires_at, and no dependency id
// still present in operations.
func (s *Store) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]model.Operation, error) {
	if limit <= 0 {
		return []model.Operation{}, nil
	}
	var claimed []model.Operation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ops, err := queryOperations(ctx, tx, `
			SELECT `+operationColumns+`
			FROM operations o
			WHERE o.status = 'pending'
			  AND (o.expires_at IS NULL OR o.expires_at > ?)
			  AND NOT EXISTS (
			      SELECT 1 FROM operation_dependencies d
			      JOIN operations p ON p.id = d.depends_on_id
			      WHERE d.operation_id = o.id
			  )
			ORDER BY o.priority DESC, o.created_at ASC, o.seq ASC
			LIMIT ?
		`, toNanos(now), limit)
		if err != nil {
			return err
		}

		at := now.UTC()
		for i := range ops {
			if _, err := tx.ExecContext(ctx, `
				UPDATE operations
				SET status = 'processing', last_attempted_at = ?
				WHERE id = ? AND status = 'pending'
			`, toNanos(at), ops[i].ID); err != nil {
				return fmt.Errorf("mark processing: %w", err)
			}
			ops[i].Status = model.StatusProcessing
			ops[i].LastAttemptedAt = &at
		}
		claimed = ops
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return claimed, nil
}

// DeleteOperation removes a live operation (terminal success).
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete operation %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueOperation returns a processing operation to pending without
// charging a retry. Used when a worker stops before applying a claim.
func (s *Store) RequeueOperation(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, id)
		if err != nil {
			return err
		}
		if op.Status != model.StatusProcessing {
			return fmt.Errorf("%w: %s is %s", model.ErrInvalidState, id, op.Status)
		}
		_, err = tx.ExecContext(ctx, `UPDATE operations SET status = 'pending' WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("requeue operation %s: %w", id, err)
	}
	return nil
}

// FailOperation records one failed attempt of a processing operation. When
// the failure is permanent or the retry budget is spent, the operation moves
// to dead_letters in the same transaction; otherwise it returns to pending.
// A row that is no longer processing (expired by the reaper, say) is left
// alone and model.ErrInvalidState is returned.
func (s *Store) FailOperation(ctx context.Context, f model.Failure) (model.FailureOutcome, error) {
	var out model.FailureOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, f.ID)
		if err != nil {
			return err
		}
		if op.Status != model.StatusProcessing {
			return fmt.Errorf("%w: %s is %s", model.ErrInvalidState, f.ID, op.Status)
		}
		retries := op.RetryCount + 1
		out.RetryCount = retries

		if f.Permanent || retries >= f.MaxRetries {
			out.DeadLettered = true
			return moveToDeadLetter(ctx, tx, op, f.Reason, retries, f.Now)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE operations
			SET status = 'pending', retry_count = ?, last_attempted_at = ?, error_message = ?
			WHERE id = ?
		`, retries, toNanos(f.Now), f.Reason, f.ID)
		if err != nil {
			return fmt.Errorf("update operation: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.FailureOutcome{}, fmt.Errorf("fail operation %s: %w", f.ID, err)
	}
	return out, nil
}

// ExpireOverdue marks every pending operation whose deadline has passed as
// failed with error "expired". An expiry consumes a retry; operations that
// exhaust their budget are dead-lettered instead. Processing rows are never
// touched.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time, maxRetries int) (model.ExpireResult, error) {
	res := model.ExpireResult{IDs: []string{}}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ops, err := queryOperations(ctx, tx, `
			SELECT `+operationColumns+`
			FROM operations o
			WHERE o.status = 'pending' AND o.expires_at IS NOT NULL AND o.expires_at <= ?
			ORDER BY o.seq ASC
		`, toNanos(now))
		if err != nil {
			return err
		}

		for _, op := range ops {
			retries := op.RetryCount + 1
			res.IDs = append(res.IDs, op.ID)
			if retries >= maxRetries {
				if err := moveToDeadLetter(ctx, tx, op, model.ErrorExpired, retries, now); err != nil {
					return err
				}
				res.DeadLettered++
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE operations
				SET status = 'failed', error_message = ?, retry_count = ?, last_attempted_at = ?
				WHERE id = ?
			`, model.ErrorExpired, retries, toNanos(now), op.ID); err != nil {
				return fmt.Errorf("expire operation: %w", err)
			}
			res.Expired++
		}
		return nil
	})
	if err != nil {
		return model.ExpireResult{}, fmt.Errorf("expire overdue: %w", err)
	}
	return res, nil
}

// ReviveOperation moves a failed operation back to pending with a new
// deadline (nil clears it). The retry count is kept.
func (s *Store) ReviveOperation(ctx context.Context, id string, expiresAt *time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, id)
		if err != nil {
			return err
		}
		if op.Status != model.StatusFailed {
			return fmt.Errorf("%w: %s is %s", model.ErrInvalidState, id, op.Status)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE operations SET status = 'pending', expires_at = ? WHERE id = ?
		`, toNullNanos(expiresAt), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("revive operation %s: %w", id, err)
	}
	return nil
}

// DependencyEdges returns operation id -> declared dependencies for every
// live operation that has any.
func (s *Store) DependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, depends_on_id
		FROM operation_dependencies
		ORDER BY operation_id, position
	`)
	if err != nil {
		return nil, fmt.Errorf("dependency edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var opID, dep string
		if err := rows.Scan(&opID, &dep); err != nil {
			return nil, fmt.Errorf("dependency edges: %w", err)
		}
		edges[opID] = append(edges[opID], dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dependency edges: %w", err)
	}
	return edges, nil
}

// Stats summarises the queue and dead-letter store.
func (s *Store) Stats(ctx context.Context) (model.QueueStats, error) {
	stats := model.QueueStats{ByStatus: map[model.Status]int{}}
	for st := range model.KnownStatuses {
		stats.ByStatus[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("stats: %w", err)
		}
		stats.ByStatus[model.Status(status)] = n
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN archived = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN archived = 1 THEN 1 ELSE 0 END), 0)
		FROM dead_letters
	`).Scan(&stats.DeadLetters, &stats.ArchivedLetters); err != nil {
		return stats, fmt.Errorf("stats: dead letters: %w", err)
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM operations WHERE status = 'pending'
	`).Scan(&oldest); err != nil {
		return stats, fmt.Errorf("stats: oldest pending: %w", err)
	}
	stats.OldestPendingAt = fromNullNanos(oldest)

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations o
		WHERE o.status = 'pending' AND EXISTS (
			SELECT 1 FROM operation_dependencies d
			JOIN operations p ON p.id = d.depends_on_id
			WHERE d.operation_id = o.id
		)
	`).Scan(&stats.DependencyBlocked); err != nil {
		return stats, fmt.Errorf("stats: blocked: %w", err)
	}
	return stats, nil
}
