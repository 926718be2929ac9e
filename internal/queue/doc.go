// Package queue implements the offline operation queue on top of a durable
// Store.
//
// # Components
//
//   - Guard admits operations, enforcing one live operation per
//     idempotency key.
//   - Scheduler claims eligible operations in priority order, skipping any
//     whose dependencies are still queued.
//   - Worker applies claimed operations through an Applier and hands each
//     Outcome to the Escalator.
//   - Escalator deletes completed operations, schedules retries and moves
//     exhausted or permanently failed operations to the dead-letter store.
//   - Reaper fails pending operations whose deadline has passed.
//
// All state lives in the Store. Components hold no locks of their own, so
// any number of processes can share one database.
//
// # Lifecycle
//
//	enqueue -> pending -> processing -> (deleted)
//	                  \             \-> pending (retry) | dead letter
//	                   \-> failed (expired) | dead letter
package queue
