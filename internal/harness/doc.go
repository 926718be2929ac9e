// Package harness runs queue scenarios as executable contract tests.
//
// A scenario drives a fresh in-memory store through the real Guard,
// Scheduler, Escalator, Reaper and version store, under a fake clock and
// sequential ids, and records every step in a trace that can be compared
// against a golden file.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	max_retries: 3
//	flow:
//	  - invoke: queue.enqueue
//	    args: { key: a, table: notes, target: note-1, priority: 5 }
//	    expect:
//	      case: Accepted
//	  - invoke: queue.claim
//	    args: { limit: 10 }
//	    expect:
//	      case: Claimed
//	      result: { keys: [a] }
//	assertions:
//	  - type: trace_count
//	    action: queue.enqueue
//	    count: 1
//	  - type: final_state
//	    table: operations
//	    where: { key: a }
//	    expect: { status: processing }
//
// Operations are referred to by idempotency key throughout; the harness
// maps keys to the ids it generated.
//
// # Actions
//
//   - queue.enqueue: key, table, target, kind, priority, ttl, depends_on, payload, workspace
//   - queue.claim: limit
//   - queue.complete, queue.release: key
//   - queue.fail: key, reason, permanent
//   - queue.reap
//   - queue.revive: key, ttl
//   - dlq.requeue, dlq.archive: key
//   - clock.advance: by
//   - doc.append: document, panel, text, base_version
//
// # Assertion Types
//
//   - trace_contains: an action appears in the trace with matching args
//   - trace_order: actions appear in the given order
//   - trace_count: an action appears exactly N times
//   - final_state: exactly one row of operations, dead_letters or versions
//     matches where, and has the expected fields
//   - state_count: exactly N rows of a table match where
package harness
