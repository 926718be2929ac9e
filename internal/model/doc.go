// Package model provides the canonical record types shared by every part of
// the offline operation queue.
//
// This package contains type definitions, validation, and the canonical
// serialization used for checksums. All other internal packages import
// model; model imports nothing internal.
//
// Key design constraints:
//   - Successful completion deletes an Operation; there is no completed status
//   - Payloads are opaque JSON; only appliers interpret them
//   - Wire JSON tags use camelCase to match the export snapshot format
//   - Seq is a store-local logical clock and never leaves the store
package model
