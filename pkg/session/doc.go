// Package session defines the DeploymentSession aggregate and its state machine.
//
// # Overview
//
// A deployment session tracks a provisioning request from draft to completion.
// The lifecycle is governed by a fixed transition table:
//
//	Draft -> Validating -> Planning -> PlanReady -> Approved -> Applying -> Applied
//
// with Failed, Cancelled and Expired reachable as terminal states from any
// non-terminal state (Applying is never cancelled or force-expired; it exits
// only via ApplySucceed or ApplyFail).
//
// # Core Domain Types
//
//   - Session: the aggregate, updated immutably via With* methods and Apply
//   - State / Event: string enums over the transition table
//   - ResourceSpec: a single requested infrastructure resource
//   - ChangeSummary: counts parsed from a dry run (to create/update/delete)
//   - Progress: live (completed, total, current action) view of an execution
//   - Error: the typed domain error taxonomy shared across the engine
//
// Sessions are looked up only by (tenant, session) pairs; the raw project
// reference is never part of the aggregate, only its one-way digest.
package session
