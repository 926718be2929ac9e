// Package reconcile moves operation sets between devices as snapshots.
//
// Export writes the live queue as a Snapshot ordered by operation id, with a
// checksum over the canonical form of the operations. Import validates each
// operation independently, rejects dependency cycles, and admits the rest
// through the same idempotency path as a fresh enqueue, so importing the
// same snapshot twice has no further effect.
package reconcile
