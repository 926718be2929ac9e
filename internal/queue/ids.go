package queue

import "github.com/google/uuid"

// IDGenerator assigns ids to newly enqueued operations.
// Implemented by UUIDv7Generator (production) and testutil.SequentialIDs
// (tests).
type IDGenerator interface {
	Next() string
}

// UUIDv7Generator generates time-sortable UUIDv7 operation ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort
// roughly by creation time, which keeps exports readable.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Next creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Next() string {
	return uuid.Must(uuid.NewV7()).String()
}
