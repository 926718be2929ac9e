// Package apply holds the appliers the worker hands claimed operations to.
//
// A Registry dispatches on the operation's target table. Payloads are
// checked against the embedded CUE schemas before any applier runs, so the
// queue itself never looks inside a payload. An unknown table or a schema
// violation is a permanent failure.
package apply
