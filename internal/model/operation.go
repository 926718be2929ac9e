package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the mutation variant carried by an Operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// KnownKinds lists the kinds accepted by Validate.
var KnownKinds = map[Kind]bool{
	KindCreate: true,
	KindUpdate: true,
	KindDelete: true,
}

// TargetTable names the entity kind an Operation mutates.
// The set is closed: anything outside KnownTargetTables is rejected.
type TargetTable string

const (
	TableDocuments   TargetTable = "documents"
	TablePanels      TargetTable = "panels"
	TableNotes       TargetTable = "notes"
	TableAnnotations TargetTable = "annotations"
	TableItems       TargetTable = "items"
)

// KnownTargetTables is the closed set of entity kinds.
var KnownTargetTables = map[TargetTable]bool{
	TableDocuments:   true,
	TablePanels:      true,
	TableNotes:       true,
	TableAnnotations: true,
	TableItems:       true,
}

// Status is the lifecycle state of a live Operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
)

// KnownStatuses lists every live status.
var KnownStatuses = map[Status]bool{
	StatusPending:    true,
	StatusProcessing: true,
	StatusFailed:     true,
}

// ErrorExpired is the error message recorded when an operation's TTL elapses.
const ErrorExpired = "expired"

// Operation is one queued mutation.
type Operation struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	TargetTable     TargetTable     `json:"targetTable"`
	TargetID        string          `json:"targetId"`
	Payload         json.RawMessage `json:"payload"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	Priority        int             `json:"priority"`
	Status          Status          `json:"status"`
	RetryCount      int             `json:"retryCount"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	DependsOn       []string        `json:"dependsOn"`
	OriginActor     string          `json:"originActor"`
	WorkspaceID     string          `json:"workspaceId,omitempty"`
	SchemaVersion   int             `json:"schemaVersion"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastAttemptedAt *time.Time      `json:"lastAttemptedAt,omitempty"`

	// Seq is the store's enqueue sequence, used as the final FIFO tie-breaker.
	Seq int64 `json:"-"`
}

// Validate checks the structural constraints every stored Operation must
// satisfy. It does not look inside the payload beyond requiring valid JSON.
func (op Operation) Validate() error {
	var problems []string

	if strings.TrimSpace(op.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(op.IdempotencyKey) == "" {
		problems = append(problems, "idempotencyKey is required")
	}
	if !KnownKinds[op.Kind] {
		problems = append(problems, fmt.Sprintf("unknown kind %q", op.Kind))
	}
	if !KnownTargetTables[op.TargetTable] {
		problems = append(problems, fmt.Sprintf("unknown targetTable %q", op.TargetTable))
	}
	if strings.TrimSpace(op.TargetID) == "" {
		problems = append(problems, "targetId is required")
	}
	if op.Status != "" && !KnownStatuses[op.Status] {
		problems = append(problems, fmt.Sprintf("unknown status %q", op.Status))
	}
	if op.RetryCount < 0 {
		problems = append(problems, "retryCount must be >= 0")
	}
	if op.SchemaVersion < 1 {
		problems = append(problems, "schemaVersion must be >= 1")
	}
	if len(op.Payload) > 0 && !json.Valid(op.Payload) {
		problems = append(problems, "payload is not valid JSON")
	}
	seen := make(map[string]bool, len(op.DependsOn))
	for _, dep := range op.DependsOn {
		switch {
		case strings.TrimSpace(dep) == "":
			problems = append(problems, "dependsOn contains an empty id")
		case dep == op.ID:
			problems = append(problems, "operation depends on itself")
		case seen[dep]:
			problems = append(problems, fmt.Sprintf("dependsOn lists %q twice", dep))
		}
		seen[dep] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid operation: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Expired reports whether the operation's deadline has passed at now.
func (op Operation) Expired(now time.Time) bool {
	return op.ExpiresAt != nil && !op.ExpiresAt.After(now)
}

// OperationFilter narrows ListOperations. Zero values match everything.
type OperationFilter struct {
	Statuses    []Status
	WorkspaceID string
	TargetTable TargetTable
	Limit       int
}

// Failure describes one failed processing attempt handed to the store.
type Failure struct {
	ID         string
	Reason     string
	Permanent  bool
	MaxRetries int
	Now        time.Time
}

// FailureOutcome reports what the store did with a Failure.
type FailureOutcome struct {
	DeadLettered bool
	RetryCount   int
}

// ExpireResult reports one TTL sweep.
type ExpireResult struct {
	Expired      int
	DeadLettered int
	IDs          []string
}

// QueueStats summarises the live queue and dead-letter store.
type QueueStats struct {
	ByStatus          map[Status]int `json:"byStatus"`
	DeadLetters       int            `json:"deadLetters"`
	ArchivedLetters   int            `json:"archivedDeadLetters"`
	OldestPendingAt   *time.Time     `json:"oldestPendingAt,omitempty"`
	DependencyBlocked int            `json:"dependencyBlocked"`
}

// Total returns the number of live operations.
func (s QueueStats) Total() int {
	n := 0
	for _, c := range s.ByStatus {
		n += c
	}
	return n
}
