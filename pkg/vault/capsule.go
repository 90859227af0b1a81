package vault

import (
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/groundcrew/groundcrew/pkg/session"
)

// saltSize is the Argon2id salt length in bytes.
const saltSize = 16

// Argon2id parameters for the owner key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// CapsuleStatus is the lifecycle status of a recovery capsule.
type CapsuleStatus string

const (
	// CapsuleActive indicates the capsule may still be redeemed.
	CapsuleActive CapsuleStatus = "active"

	// CapsuleRedeemed indicates the capsule was consumed. Capsules are
	// single use.
	CapsuleRedeemed CapsuleStatus = "redeemed"

	// CapsuleExpired indicates the capsule outlived its session TTL.
	CapsuleExpired CapsuleStatus = "expired"
)

// Validate checks if the capsule status is a known value.
func (s CapsuleStatus) Validate() error {
	switch s {
	case CapsuleActive, CapsuleRedeemed, CapsuleExpired:
		return nil
	default:
		return fmt.Errorf("invalid capsule status: %s", s)
	}
}

// Capsule is the persisted, owner-bound snapshot of a vault entry. The
// payload blob is salt || nonce || ciphertext; it is decryptable only by
// re-deriving the key from the owner identifier.
type Capsule struct {
	// SessionID is the session this capsule can reconstruct.
	SessionID string `json:"session_id"`

	// TenantID is the owning tenant.
	TenantID string `json:"tenant_id"`

	// OwnerID is the owning user. The key is derived from this identifier,
	// never stored.
	OwnerID string `json:"owner_id"`

	// Payload is the opaque encrypted blob.
	Payload []byte `json:"payload"`

	// Status is the capsule lifecycle status.
	Status CapsuleStatus `json:"status"`

	// CreatedAt is when the capsule was generated.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt mirrors the vault entry expiry at generation time. A
	// recovered session never outlives its original lifetime.
	ExpiresAt time.Time `json:"expires_at"`
}

// deriveKey derives the capsule encryption key from an owner identifier
// with Argon2id. The raw identifier never leaves this function.
func deriveKey(ownerID string, salt []byte) []byte {
	return argon2.IDKey([]byte(ownerID), salt, argonTime, argonMemory, argonThreads, keySize)
}

// GenerateCapsule snapshots the live vault entry for sessionID into a
// capsule bound to ownerID. The capsule inherits the entry's expiry.
func (v *Vault) GenerateCapsule(sessionID, ownerID, tenantID string) (*Capsule, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	payload, err := v.Get(sessionID)
	if err != nil {
		return nil, err
	}
	expiresAt, err := v.ExpiresAt(sessionID)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveKey(ownerID, salt)
	ciphertext, err := seal(key, payload, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to seal capsule: %w", err)
	}

	blob := make([]byte, 0, saltSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, ciphertext...)

	return &Capsule{
		SessionID: sessionID,
		TenantID:  tenantID,
		OwnerID:   ownerID,
		Payload:   blob,
		Status:    CapsuleActive,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}, nil
}

// RedeemCapsule re-derives the key from the claimed owner and attempts
// decryption. Any failure, whether the capsule is expired, already
// redeemed, corrupted or bound to a different owner, returns the one
// generic RecoveryFailed error. On success it returns the payload and the
// capsule expiry so the caller re-opens the entry with the remaining TTL.
func RedeemCapsule(c *Capsule, sessionID, claimedOwnerID string, now time.Time) ([]byte, time.Time, error) {
	if c == nil || c.Status != CapsuleActive || now.After(c.ExpiresAt) {
		return nil, time.Time{}, session.NewRecoveryFailed()
	}
	if c.SessionID != sessionID || len(c.Payload) <= saltSize {
		return nil, time.Time{}, session.NewRecoveryFailed()
	}

	salt, ciphertext := c.Payload[:saltSize], c.Payload[saltSize:]
	key := deriveKey(claimedOwnerID, salt)

	payload, err := open(key, ciphertext, []byte(sessionID))
	if err != nil {
		return nil, time.Time{}, session.NewRecoveryFailed()
	}
	return payload, c.ExpiresAt, nil
}
