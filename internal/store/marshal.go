package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Timestamps are stored as INTEGER unix nanoseconds (UTC).

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// marshalPayload validates a payload and returns it as TEXT, unchanged.
// An empty payload is stored as "{}".
func marshalPayload(payload json.RawMessage) (string, error) {
	data, err := model.StoredPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// marshalDependsOn converts a dependency list to JSON TEXT. Used by
// dead_letters, where dependencies are not queried.
func marshalDependsOn(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("marshal depends_on: %w", err)
	}
	return string(data), nil
}

func unmarshalDependsOn(data string) ([]string, error) {
	deps := []string{}
	if data == "" {
		return deps, nil
	}
	if err := json.Unmarshal([]byte(data), &deps); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	return deps, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
