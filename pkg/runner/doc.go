// Package runner executes the external IaC binary (terraform or tofu) as a
// child process and turns its line-oriented output into structured signals.
//
// # Overview
//
// Start spawns the child with stdout and stderr merged into a line scanner
// and returns a Handle immediately; the caller awaits the Handle. Each
// operation carries a wall-clock ceiling (apply strictly larger than plan),
// and exceeding it follows the same termination path as an explicit Cancel:
// SIGTERM, then SIGKILL after a grace period. A non-zero exit is always
// surfaced in the Result, never swallowed, together with a size-bounded
// output buffer and a last-lines diagnostic excerpt.
//
// The runner keeps an in-flight set keyed by working directory so two
// executions can never run concurrently against the same backend location.
//
// # Stream Parser
//
// Parser is a pure line-feed state machine, decoupled from process
// spawning so it is unit-testable against canned text. It extracts the
// plan change summary ("Plan: X to add, Y to change, Z to destroy.") and
// tracks per-resource lifecycle markers (Creating... / Creation complete
// and friends). Completion counting is idempotent per resource address,
// never decreases, and never exceeds the total; the progress callback
// fires only when the visible (completed, total, action) view changes,
// not once per raw line.
package runner
