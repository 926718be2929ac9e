// Package store provides SQLite-backed durable storage for the offline
// operation queue.
//
// The store holds:
//   - Operations: live queue rows (pending, processing, failed)
//   - Operation Dependencies: ordered depends_on edges, cascaded on delete
//   - Dead Letters: operations that exhausted retries or failed permanently
//   - Document Versions: append-only per-panel history with conflict flags
//   - Search Index: terms of the latest plain text of every panel
//
// # Critical Patterns
//
// Idempotency:
//   - UNIQUE(idempotency_key) on operations; dead letters do not count
//   - InsertOperation reports the live id instead of failing on duplicates
//
// Atomic claims:
//   - Every transaction is BEGIN IMMEDIATE (_txlock=immediate), so the
//     select-then-mark in ClaimBatch cannot interleave with another writer
//   - Dead-letter moves insert and delete in one transaction
//
// Deterministic ordering:
//   - Scheduling order is priority DESC, created_at ASC, seq ASC
//   - seq is an AUTOINCREMENT logical clock and never leaves the store
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Payloads and document bodies are stored as canonical JSON produced by
// internal/model.
package store
