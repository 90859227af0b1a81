// Package orchestrator is the façade collaborators call to drive a
// deployment session from draft to completion.
//
// # Overview
//
// The orchestrator owns the sequencing: policy check, dry-run plan,
// review, apply. It is the only component with write access to session
// records as a whole. Collaborators are consumed as small interfaces
// (Store, SecretVault, Executor, PolicyChecker, Workspaces) so tests can
// substitute mocks.
//
// Mutating operations on one session are serialized by a keyed mutex: a
// concurrent second caller fails fast with OperationInProgress rather
// than queueing. Operations on different sessions proceed fully in
// parallel.
//
// # Secret Handling
//
// The raw project reference lives only in the vault; the durable store
// sees a one-way digest. During plan and apply the secret is
// materialized as a short-lived owner-only file inside the workspace and
// removed on every exit path. The vault is consulted before any state
// transition, so an expired entry leaves the session where it was and
// recovery via capsule remains possible.
package orchestrator
