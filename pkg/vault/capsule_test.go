package vault

import (
	"bytes"
	"testing"
	"time"

	"github.com/groundcrew/groundcrew/pkg/session"
)

func generateTestCapsule(t *testing.T, v *Vault, sessionID, owner string, ttl time.Duration) *Capsule {
	t.Helper()

	if err := v.Put(sessionID, []byte("projects/acme-prod-428812"), ttl); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	c, err := v.GenerateCapsule(sessionID, owner, "tenant-a")
	if err != nil {
		t.Fatalf("generate capsule failed: %v", err)
	}
	return c
}

// TestCapsuleRoundTrip verifies the rightful owner recovers the payload
// with the remaining TTL, not a fresh one.
func TestCapsuleRoundTrip(t *testing.T) {
	v := newTestVault(t)
	c := generateTestCapsule(t, v, "sess-001", "alice", 20*time.Minute)

	if c.Status != CapsuleActive {
		t.Errorf("expected active capsule, got %s", c.Status)
	}

	payload, expiresAt, err := RedeemCapsule(c, "sess-001", "alice", time.Now())
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	if !bytes.Equal(payload, []byte("projects/acme-prod-428812")) {
		t.Errorf("payload mismatch: %q", payload)
	}
	if !expiresAt.Equal(c.ExpiresAt) {
		t.Errorf("redeem returned expiry %v, want capsule expiry %v", expiresAt, c.ExpiresAt)
	}
}

// TestRedeemWrongOwnerFails verifies the wrong owner always gets the
// generic recovery error.
func TestRedeemWrongOwnerFails(t *testing.T) {
	v := newTestVault(t)
	c := generateTestCapsule(t, v, "sess-001", "alice", 20*time.Minute)

	_, _, err := RedeemCapsule(c, "sess-001", "mallory", time.Now())
	if !session.IsRecoveryFailed(err) {
		t.Fatalf("expected recovery failed, got %v", err)
	}
}

// TestRedeemFailuresAreIndistinguishable verifies wrong owner, wrong
// session, corrupted blob, expiry and redeemed status all produce an error
// of identical type and text.
func TestRedeemFailuresAreIndistinguishable(t *testing.T) {
	v := newTestVault(t)
	c := generateTestCapsule(t, v, "sess-001", "alice", 20*time.Minute)
	now := time.Now()

	corrupted := *c
	corrupted.Payload = append([]byte(nil), c.Payload...)
	corrupted.Payload[len(corrupted.Payload)-1] ^= 0xff

	redeemed := *c
	redeemed.Status = CapsuleRedeemed

	expired := *c
	expired.ExpiresAt = now.Add(-time.Minute)

	cases := map[string]func() error{
		"wrong owner":   func() error { _, _, err := RedeemCapsule(c, "sess-001", "mallory", now); return err },
		"wrong session": func() error { _, _, err := RedeemCapsule(c, "sess-999", "alice", now); return err },
		"corrupted":     func() error { _, _, err := RedeemCapsule(&corrupted, "sess-001", "alice", now); return err },
		"redeemed":      func() error { _, _, err := RedeemCapsule(&redeemed, "sess-001", "alice", now); return err },
		"expired":       func() error { _, _, err := RedeemCapsule(&expired, "sess-001", "alice", now); return err },
		"nil capsule":   func() error { _, _, err := RedeemCapsule(nil, "sess-001", "alice", now); return err },
	}

	var firstText string
	for name, run := range cases {
		err := run()
		if !session.IsRecoveryFailed(err) {
			t.Errorf("%s: expected recovery failed, got %v", name, err)
			continue
		}
		if firstText == "" {
			firstText = err.Error()
		} else if err.Error() != firstText {
			t.Errorf("%s: error text differs: %q vs %q", name, err.Error(), firstText)
		}
	}
}

// TestRedeemExpiredCapsuleIgnoresOwnerCorrectness verifies a capsule past
// its expiry fails even for the rightful owner.
func TestRedeemExpiredCapsuleIgnoresOwnerCorrectness(t *testing.T) {
	v := newTestVault(t)
	c := generateTestCapsule(t, v, "sess-001", "alice", 30*time.Minute)

	// Redeem 45 minutes later.
	late := time.Now().Add(45 * time.Minute)
	if _, _, err := RedeemCapsule(c, "sess-001", "alice", late); !session.IsRecoveryFailed(err) {
		t.Errorf("expected recovery failed for expired capsule, got %v", err)
	}
}

// TestGenerateCapsuleRequiresLiveEntry verifies a capsule cannot be
// generated from an absent vault entry.
func TestGenerateCapsuleRequiresLiveEntry(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.GenerateCapsule("never-existed", "alice", "tenant-a"); !session.IsVaultExpired(err) {
		t.Errorf("expected vault expired, got %v", err)
	}
}

// TestCapsuleExpiryMirrorsEntry verifies the capsule inherits the vault
// entry expiry rather than computing its own.
func TestCapsuleExpiryMirrorsEntry(t *testing.T) {
	v := newTestVault(t)
	expiresAt := time.Now().Add(12 * time.Minute)
	if err := v.PutUntil("sess-001", []byte("secret"), expiresAt); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	c, err := v.GenerateCapsule("sess-001", "alice", "tenant-a")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !c.ExpiresAt.Equal(expiresAt) {
		t.Errorf("capsule expiry %v, want %v", c.ExpiresAt, expiresAt)
	}
}

// TestCapsuleStatusValidation checks the status enum.
func TestCapsuleStatusValidation(t *testing.T) {
	for _, s := range []CapsuleStatus{CapsuleActive, CapsuleRedeemed, CapsuleExpired} {
		if err := s.Validate(); err != nil {
			t.Errorf("valid status rejected: %v", err)
		}
	}
	if err := CapsuleStatus("bogus").Validate(); err == nil {
		t.Error("invalid status accepted")
	}
}
