package model

// Version constants for payloads and snapshots.
const (
	// CurrentSchemaVersion is the payload shape version written by this build.
	CurrentSchemaVersion = 1

	// SnapshotFormatVersion is the export snapshot wire format version.
	SnapshotFormatVersion = 1
)
