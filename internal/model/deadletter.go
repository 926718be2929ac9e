package model

import (
	"encoding/json"
	"time"
)

// DeadLetter is a permanently failed Operation held for operator inspection.
// QueueRef is the id the operation had in the live queue.
type DeadLetter struct {
	QueueRef       string          `json:"queueRef"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Kind           Kind            `json:"kind"`
	TargetTable    TargetTable     `json:"targetTable"`
	TargetID       string          `json:"targetId"`
	Payload        json.RawMessage `json:"payload"`
	ErrorMessage   string          `json:"errorMessage"`
	RetryCount     int             `json:"retryCount"`
	LastErrorAt    time.Time       `json:"lastErrorAt"`
	Archived       bool            `json:"archived"`

	Priority      int       `json:"priority"`
	DependsOn     []string  `json:"dependsOn"`
	OriginActor   string    `json:"originActor"`
	WorkspaceID   string    `json:"workspaceId,omitempty"`
	SchemaVersion int       `json:"schemaVersion"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewDeadLetter copies op into a dead letter, recording the final failure.
func NewDeadLetter(op Operation, reason string, retryCount int, at time.Time) DeadLetter {
	deps := make([]string, len(op.DependsOn))
	copy(deps, op.DependsOn)
	return DeadLetter{
		QueueRef:       op.ID,
		IdempotencyKey: op.IdempotencyKey,
		Kind:           op.Kind,
		TargetTable:    op.TargetTable,
		TargetID:       op.TargetID,
		Payload:        op.Payload,
		ErrorMessage:   reason,
		RetryCount:     retryCount,
		LastErrorAt:    at,
		Priority:       op.Priority,
		DependsOn:      deps,
		OriginActor:    op.OriginActor,
		WorkspaceID:    op.WorkspaceID,
		SchemaVersion:  op.SchemaVersion,
		CreatedAt:      op.CreatedAt,
	}
}

// Operation rebuilds the pending operation a requeue puts back in the live
// queue. The retry budget starts over and the deadline is dropped.
func (d DeadLetter) Operation() Operation {
	deps := make([]string, len(d.DependsOn))
	copy(deps, d.DependsOn)
	return Operation{
		ID:             d.QueueRef,
		Kind:           d.Kind,
		TargetTable:    d.TargetTable,
		TargetID:       d.TargetID,
		Payload:        d.Payload,
		IdempotencyKey: d.IdempotencyKey,
		Priority:       d.Priority,
		Status:         StatusPending,
		DependsOn:      deps,
		OriginActor:    d.OriginActor,
		WorkspaceID:    d.WorkspaceID,
		SchemaVersion:  d.SchemaVersion,
		CreatedAt:      d.CreatedAt,
	}
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	IncludeArchived bool
	WorkspaceID     string
	Limit           int
}

// RequeueResult reports a dead-letter requeue. When the idempotency key is
// live again the dead letter is left in place and ExistingID names the live
// operation.
type RequeueResult struct {
	Requeued   bool   `json:"requeued"`
	ExistingID string `json:"existingId,omitempty"`
}
