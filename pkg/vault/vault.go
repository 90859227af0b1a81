package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/groundcrew/groundcrew/pkg/session"
)

const (
	// shardCount is the number of lock shards in the entry map.
	shardCount = 16

	// keySize is the AES-256 key size in bytes.
	keySize = 32

	// DefaultTTL is applied when Put receives a zero TTL.
	DefaultTTL = 30 * time.Minute
)

// entry holds one session's encrypted payload and its key material.
// The key bytes live in an mlocked buffer and are wiped on destroy.
type entry struct {
	key        *memguard.LockedBuffer
	ciphertext []byte // nonce || sealed payload
	createdAt  time.Time
	expiresAt  time.Time
}

// shard is one lock domain of the entry map.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Vault is the in-memory, encrypted, time-boxed store for session secrets.
type Vault struct {
	shards [shardCount]*shard
	logger zerolog.Logger
}

// New creates an empty vault.
func New(logger zerolog.Logger) *Vault {
	v := &Vault{
		logger: logger.With().Str("component", "vault").Logger(),
	}
	for i := range v.shards {
		v.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return v
}

// shardFor returns the shard owning the given session ID.
func (v *Vault) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return v.shards[h.Sum32()%shardCount]
}

// Put encrypts payload under a fresh random key and stores it with expiry
// now+ttl, replacing any existing entry for the session.
func (v *Vault) Put(sessionID string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return v.PutUntil(sessionID, payload, time.Now().Add(ttl))
}

// PutUntil is Put with an absolute expiry, used when re-opening an entry
// from a recovery capsule with its remaining lifetime.
func (v *Vault) PutUntil(sessionID string, payload []byte, expiresAt time.Time) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}

	key := memguard.NewBufferRandom(keySize)

	ciphertext, err := seal(key.Bytes(), payload, []byte(sessionID))
	if err != nil {
		key.Destroy()
		return fmt.Errorf("failed to seal payload: %w", err)
	}

	e := &entry{
		key:        key,
		ciphertext: ciphertext,
		createdAt:  time.Now(),
		expiresAt:  expiresAt,
	}

	s := v.shardFor(sessionID)
	s.mu.Lock()
	if old, ok := s.entries[sessionID]; ok {
		old.key.Destroy()
	}
	s.entries[sessionID] = e
	s.mu.Unlock()

	v.logger.Debug().
		Str("session_id", sessionID).
		Time("expires_at", expiresAt).
		Msg("vault entry opened")

	return nil
}

// Get returns the decrypted payload for a live entry. An absent entry and
// an expired entry are indistinguishable: both return the same
// VaultExpired error.
func (v *Vault) Get(sessionID string) ([]byte, error) {
	s := v.shardFor(sessionID)
	s.mu.RLock()
	e, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, session.NewVaultExpired()
	}

	payload, err := open(e.key.Bytes(), e.ciphertext, []byte(sessionID))
	if err != nil {
		return nil, session.NewVaultExpired()
	}
	return payload, nil
}

// ExpiresAt returns the expiry of a live entry, with the same
// indistinguishable error for absent or expired entries.
func (v *Vault) ExpiresAt(sessionID string) (time.Time, error) {
	s := v.shardFor(sessionID)
	s.mu.RLock()
	e, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return time.Time{}, session.NewVaultExpired()
	}
	return e.expiresAt, nil
}

// Purge removes an entry and wipes its key material. Purging a missing
// entry is a no-op.
func (v *Vault) Purge(sessionID string) {
	s := v.shardFor(sessionID)
	s.mu.Lock()
	if e, ok := s.entries[sessionID]; ok {
		e.key.Destroy()
		delete(s.entries, sessionID)
		v.logger.Debug().Str("session_id", sessionID).Msg("vault entry purged")
	}
	s.mu.Unlock()
}

// SweepExpired removes every entry past expiry at now and returns the
// number removed.
func (v *Vault) SweepExpired(now time.Time) int {
	removed := 0
	for _, s := range v.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if now.After(e.expiresAt) {
				e.key.Destroy()
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		v.logger.Debug().Int("removed", removed).Msg("expired vault entries swept")
	}
	return removed
}

// Len returns the current number of entries, live or pending sweep.
func (v *Vault) Len() int {
	total := 0
	for _, s := range v.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// seal encrypts plaintext with AES-256-GCM, prepending the nonce, with aad
// bound as additional authenticated data.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// open reverses seal. Truncated or tampered input fails authentication.
func open(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, aad)
}
