package queue

import (
	"errors"
	"fmt"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

var (
	// ErrNotFound is returned when the referenced operation or dead letter
	// does not exist (e.g. a second RecordFailure after a dead-letter move).
	ErrNotFound = model.ErrNotFound

	// ErrEmptyIdempotencyKey is returned by Enqueue when no key is given.
	ErrEmptyIdempotencyKey = errors.New("idempotency key is required")

	// ErrInvalidOperation is returned when an operation fails validation.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrDependencyCycle is returned when an operation's dependencies lead
	// back to itself.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// OperationError represents a queue-level failure for one operation.
//
// OperationError includes structured fields for diagnostics and for mapping
// to per-item import errors.
type OperationError struct {
	// Code identifies the error category.
	Code ErrorCode

	// OpID identifies the affected operation, if known.
	OpID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying sentinel, matched by errors.Is.
	Err error
}

// ErrorCode categorizes operation errors.
type ErrorCode string

const (
	// ErrCodeInvalid indicates the operation failed structural validation.
	ErrCodeInvalid ErrorCode = "INVALID_OPERATION"

	// ErrCodeCycle indicates the operation participates in a dependency cycle.
	ErrCodeCycle ErrorCode = "DEPENDENCY_CYCLE"

	// ErrCodeUnsupportedSchema indicates a payload schema version newer than
	// this build understands.
	ErrCodeUnsupportedSchema ErrorCode = "UNSUPPORTED_SCHEMA"

	// ErrCodeConflict indicates an id already used by a different operation.
	ErrCodeConflict ErrorCode = "ID_CONFLICT"
)

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.OpID != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.OpID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsInvalidOperation returns true if err is a validation failure.
// Uses errors.As to handle wrapped errors.
func IsInvalidOperation(err error) bool {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeInvalid
	}
	return errors.Is(err, ErrInvalidOperation) || errors.Is(err, ErrEmptyIdempotencyKey)
}

// IsCycleError returns true if err reports a dependency cycle.
func IsCycleError(err error) bool {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeCycle
	}
	return errors.Is(err, ErrDependencyCycle)
}

func newInvalidError(opID string, cause error) *OperationError {
	return &OperationError{
		Code:    ErrCodeInvalid,
		OpID:    opID,
		Message: cause.Error(),
		Err:     ErrInvalidOperation,
	}
}

// NewCycleError creates an OperationError for an operation on a cycle.
func NewCycleError(opID string, path []string) *OperationError {
	return &OperationError{
		Code:    ErrCodeCycle,
		OpID:    opID,
		Message: fmt.Sprintf("dependency cycle: %s", formatPath(path)),
		Err:     ErrDependencyCycle,
	}
}

// NewUnsupportedSchemaError creates an OperationError for a schema version
// above max.
func NewUnsupportedSchemaError(opID string, version, max int) *OperationError {
	return &OperationError{
		Code:    ErrCodeUnsupportedSchema,
		OpID:    opID,
		Message: fmt.Sprintf("schema version %d is newer than supported %d", version, max),
		Err:     ErrInvalidOperation,
	}
}
