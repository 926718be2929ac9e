package model

import "errors"

var (
	// ErrNotFound is returned when an operation, dead letter or document
	// version does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOperationExists is returned when an insert collides on operation id
	// with a row carrying a different idempotency key.
	ErrOperationExists = errors.New("operation id already exists")

	// ErrInvalidState is returned when a transition is not allowed from the
	// row's current status.
	ErrInvalidState = errors.New("invalid state")
)
