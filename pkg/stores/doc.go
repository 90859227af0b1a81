// Package stores provides the durable SQLite-backed record store.
//
// # Overview
//
// Four record kinds are persisted: deployment sessions, encrypted
// recovery capsules, per-tenant policy profiles, and an append-only
// audit trail. The store owns schema management through embedded
// migrations and runs SQLite in WAL mode for concurrent readers.
//
// Tenant isolation is structural. The tenant ID is the leading
// primary-key component of every table and every read takes the tenant
// as a parameter, so a record is unreachable without naming its owner.
// A session looked up with the wrong tenant is indistinguishable from a
// session that does not exist.
//
// Secrets never reach this package in plaintext: capsule payloads arrive
// as opaque ciphertext produced by pkg/vault, and sessions carry only a
// project digest.
package stores
