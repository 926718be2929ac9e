package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

const operationColumns = `
  o.seq, o.id, o.kind, o.target_table, o.target_id, o.payload, o.idempotency_key,
  o.priority, o.status, o.retry_count, o.expires_at, o.origin_actor, o.workspace_id,
  o.schema_version, o.error_message, o.created_at, o.last_attempted_at`

// eligibleClause matches pending operations that are not past their
// deadline and have no dependency still in the queue. $1 is now.
const eligibleClause = `
  o.status = 'pending'
  AND (o.expires_at IS NULL OR o.expires_at > $1)
  AND NOT EXISTS (
    SELECT 1 FROM operation_dependencies d
    JOIN operations p ON p.id = d.depends_on_id
    WHERE d.operation_id = o.id
  )`

func scanOperation(row rowScanner) (model.Operation, error) {
	var (
		op                   model.Operation
		kind, table, status  string
		payload              string
		expiresAt, attempted sql.NullTime
	)
	err := row.Scan(
		&op.Seq, &op.ID, &kind, &table, &op.TargetID, &payload, &op.IdempotencyKey,
		&op.Priority, &status, &op.RetryCount, &expiresAt, &op.OriginActor, &op.WorkspaceID,
		&op.SchemaVersion, &op.ErrorMessage, &op.CreatedAt, &attempted,
	)
	if err != nil {
		return model.Operation{}, err
	}
	op.Kind = model.Kind(kind)
	op.TargetTable = model.TargetTable(table)
	op.Status = model.Status(status)
	op.Payload = []byte(payload)
	op.ExpiresAt = fromNullTime(expiresAt)
	op.CreatedAt = op.CreatedAt.UTC()
	op.LastAttemptedAt = fromNullTime(attempted)
	op.DependsOn = []string{}
	return op, nil
}

func queryOperations(ctx context.Context, q queryer, query string, args ...any) ([]model.Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	ops := []model.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	if err := attachDependencies(ctx, q, ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func attachDependencies(ctx context.Context, q queryer, ops []model.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	index := make(map[string]int, len(ops))
	args := make([]any, 0, len(ops))
	for i, op := range ops {
		index[op.ID] = i
		args = append(args, op.ID)
	}

	rows, err := q.QueryContext(ctx, `
SELECT operation_id, depends_on_id
FROM operation_dependencies
WHERE operation_id IN (`+placeholders(1, len(args))+`)
ORDER BY operation_id, position
`, args...)
	if err != nil {
		return fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var opID, dep string
		if err := rows.Scan(&opID, &dep); err != nil {
			return fmt.Errorf("scan dependency: %w", err)
		}
		i := index[opID]
		ops[i].DependsOn = append(ops[i].DependsOn, dep)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate dependencies: %w", err)
	}
	return nil
}

func getOperation(ctx context.Context, q queryer, id string, forUpdate bool) (model.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations o WHERE o.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	ops, err := queryOperations(ctx, q, query, id)
	if err != nil {
		return model.Operation{}, err
	}
	if len(ops) == 0 {
		return model.Operation{}, ErrNotFound
	}
	return ops[0], nil
}

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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (idempotency_key) DO NOTHING
`,
		op.ID, string(op.Kind), string(op.TargetTable), op.TargetID, payload, op.IdempotencyKey,
		op.Priority, string(op.Status), op.RetryCount, nullTime(op.ExpiresAt),
		op.OriginActor, op.WorkspaceID, op.SchemaVersion, op.ErrorMessage,
		op.CreatedAt.UTC(), nullTime(op.LastAttemptedAt),
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
VALUES ($1, $2, $3)
`, op.ID, dep, pos); err != nil {
			return false, fmt.Errorf("insert dependency: %w", err)
		}
	}
	return true, nil
}

func liveIDForKey(ctx context.Context, q queryer, key string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM operations WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, nil
}

// InsertOperation inserts op unless a live row holds its idempotency key.
// A concurrent insert of the same key from another connection is resolved
// by ON CONFLICT and reported as the winner's id.
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
	op, err := getOperation(ctx, s.db, id, false)
	if err != nil {
		return model.Operation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// ListOperations returns live operations matching filter in scheduling
// order.
func (s *Store) ListOperations(ctx context.Context, filter model.OperationFilter) ([]model.Operation, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "o.status IN ("+placeholders(len(args)+1, len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.WorkspaceID != "" {
		args = append(args, filter.WorkspaceID)
		where = append(where, "o.workspace_id = $"+strconv.Itoa(len(args)))
	}
	if filter.TargetTable != "" {
		args = append(args, string(filter.TargetTable))
		where = append(where, "o.target_table = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + operationColumns + ` FROM operations o`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY o.priority DESC, o.created_at ASC, o.seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	ops, err := queryOperations(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// ClaimBatch locks up to limit eligible operations, skipping rows another
// worker already holds, and marks them processing.
func (s *Store) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]model.Operation, error) {
	if limit <= 0 {
		return []model.Operation{}, nil
	}
	var claimed []model.Operation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ops, err := queryOperations(ctx, tx, `
SELECT `+operationColumns+`
FROM operations o
WHERE `+eligibleClause+`
ORDER BY o.priority DESC, o.created_at ASC, o.seq ASC
LIMIT $2
FOR UPDATE OF o SKIP LOCKED
`, now.UTC(), limit)
		if err != nil {
			return err
		}

		at := now.UTC()
		for i := range ops {
			if _, err := tx.ExecContext(ctx, `
UPDATE operations SET status = 'processing', last_attempted_at = $1
WHERE id = $2 AND status = 'pending'
`, at, ops[i].ID); err != nil {
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete operation %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueOperation returns a processing operation to pending without
// charging a retry.
func (s *Store) RequeueOperation(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if op.Status != model.StatusProcessing {
			return fmt.Errorf("%w: %s is %s", model.ErrInvalidState, id, op.Status)
		}
		_, err = tx.ExecContext(ctx, `UPDATE operations SET status = 'pending' WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("requeue operation %s: %w", id, err)
	}
	return nil
}

// FailOperation records one failed attempt, dead-lettering the operation
// in the same transaction when the failure is permanent or the budget is
// spent.
func (s *Store) FailOperation(ctx context.Context, f model.Failure) (model.FailureOutcome, error) {
	var out model.FailureOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, f.ID, true)
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
SET status = 'pending', retry_count = $1, last_attempted_at = $2, error_message = $3
WHERE id = $4
`, retries, f.Now.UTC(), f.Reason, f.ID)
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

// ExpireOverdue fails pending operations past their deadline. Rows locked
// by a concurrent claim are skipped and picked up by the next sweep.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time, maxRetries int) (model.ExpireResult, error) {
	res := model.ExpireResult{IDs: []string{}}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ops, err := queryOperations(ctx, tx, `
SELECT `+operationColumns+`
FROM operations o
WHERE o.status = 'pending' AND o.expires_at IS NOT NULL AND o.expires_at <= $1
ORDER BY o.seq ASC
FOR UPDATE OF o SKIP LOCKED
`, now.UTC())
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
SET status = 'failed', error_message = $1, retry_count = $2, last_attempted_at = $3
WHERE id = $4
`, model.ErrorExpired, retries, now.UTC(), op.ID); err != nil {
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
// deadline (nil clears it).
func (s *Store) ReviveOperation(ctx context.Context, id string, expiresAt *time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOperation(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if op.Status != model.StatusFailed {
			return fmt.Errorf("%w: %s is %s", model.ErrInvalidState, id, op.Status)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE operations SET status = 'pending', expires_at = $1 WHERE id = $2
`, nullTime(expiresAt), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("revive operation %s: %w", id, err)
	}
	return nil
}

// DependencyEdges returns operation id -> declared dependencies.
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
  COUNT(*) FILTER (WHERE NOT archived),
  COUNT(*) FILTER (WHERE archived)
FROM dead_letters
`).Scan(&stats.DeadLetters, &stats.ArchivedLetters); err != nil {
		return stats, fmt.Errorf("stats: dead letters: %w", err)
	}

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
SELECT MIN(created_at) FROM operations WHERE status = 'pending'
`).Scan(&oldest); err != nil {
		return stats, fmt.Errorf("stats: oldest pending: %w", err)
	}
	stats.OldestPendingAt = fromNullTime(oldest)

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
