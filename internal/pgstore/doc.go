// Package pgstore is the Postgres backend for the operation queue, the
// dead-letter store and document versions, for deployments where several
// processes share one queue.
package pgstore
