// Package errors provides structured errors for swarm coordination.
//
// Errors carry a code and a category. The category determines handling
// policy across the codebase:
//
//   - transport: broker unreachable; retried with backoff, surfaced as
//     degraded health when retries are exhausted.
//   - protocol: malformed envelope or RPC; logged and dropped, never
//     propagated out of a read loop.
//   - state: operation invalid for the current state (casting on a closed
//     vote, proposing on a follower); returned synchronously to the caller
//     and never retried automatically.
//   - persistence: durable-store write failed; non-fatal for event and vote
//     records, fatal for consensus term/log state.
//   - internal: bugs and invariant violations.
//
// Use the package-level constructors (NotLeader, VoteClosed, Unavailable)
// for common conditions, and Is/Code helpers to branch on them.
package errors
