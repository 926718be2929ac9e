// Package versions keeps the append-only version history of document panels
// and flags concurrent edits.
//
// Every Append writes a new version, numbered one past the latest. When the
// caller's base version (or base content hash) does not match the latest
// stored version the new version is marked as a conflict, but it is still
// written: conflicts are surfaced for a person to resolve, never rejected.
//
// Each append also refreshes the panel's search entry from the extracted
// plain text, in the same transaction.
package versions
