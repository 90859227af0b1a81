// Package vault provides the ephemeral in-memory secret store and the
// recovery capsule crypto for the Groundcrew engine.
//
// # Vault
//
// Sensitive session material (the target project reference, injected
// credentials) is held only in memory, encrypted per entry with a random
// AES-256-GCM key whose bytes live in an mlocked memguard buffer. Entries
// carry an expiry equal to the session TTL; a periodic sweep removes them,
// and Get treats "expired" and "never existed" identically so callers
// cannot probe for session existence. Nothing in this package ever writes
// plaintext secret material to durable storage.
//
// The entry map is sharded with per-shard locking so unrelated tenants'
// operations do not serialize on a global lock.
//
// # Recovery Capsules
//
// A capsule is a durable, owner-bound snapshot of a vault entry: the
// payload re-encrypted under a key derived from the owner identifier with
// Argon2id over a fresh random salt, with the session ID bound in as
// additional authenticated data. Redemption re-derives the key from the
// claimed owner; every failure mode returns the one generic RecoveryFailed
// error, and success returns the payload together with the capsule's own
// expiry so the re-opened entry never outlives the original session.
package vault
