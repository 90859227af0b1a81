package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/groundcrew/groundcrew/pkg/policy"
	"github.com/groundcrew/groundcrew/pkg/session"
	"github.com/groundcrew/groundcrew/pkg/vault"
)

// setupTestStore creates a migrated store backed by a temp file.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSession(t *testing.T, tenant string) *session.Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	sess := session.New(uuid.New().String(), tenant, "alice", "deadbeefcafe0123", "gcp", 30*time.Minute, now)
	return &sess
}

func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"sessions", "recovery_capsules", "policy_profiles", "audit_events"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess := testSession(t, "acme")
	updated, err := sess.AppendResource(session.ResourceSpec{
		Type:         "compute_instance",
		Name:         "web",
		InstanceType: "small",
		Count:        2,
		DiskGB:       100,
		MonthlyCost:  42.5,
		Attributes:   map[string]string{"region": "eu-west-1"},
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := store.SaveSession(ctx, &updated); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.GetSession(ctx, "acme", updated.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if got.ID != updated.ID || got.TenantID != "acme" || got.User != "alice" {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.State != session.StateDraft {
		t.Errorf("unexpected state: %s", got.State)
	}
	if len(got.Resources) != 1 || got.Resources[0].Name != "web" {
		t.Fatalf("resources not persisted: %+v", got.Resources)
	}
	if got.Resources[0].Attributes["region"] != "eu-west-1" {
		t.Errorf("attributes not persisted: %+v", got.Resources[0].Attributes)
	}
	if got.Summary != nil {
		t.Errorf("draft session has no summary, got %+v", got.Summary)
	}
	if !got.ExpiresAt.Equal(updated.ExpiresAt) {
		t.Errorf("expiry mismatch: got %v want %v", got.ExpiresAt, updated.ExpiresAt)
	}
}

func TestSessionUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess := testSession(t, "acme")
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	advanced, err := sess.Apply(session.EventSubmit)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	advanced = advanced.WithSummary(session.ChangeSummary{ToCreate: 3})
	if err := store.SaveSession(ctx, &advanced); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := store.GetSession(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != session.StateValidating {
		t.Errorf("update not applied: state %s", got.State)
	}
	if got.Summary == nil || got.Summary.ToCreate != 3 {
		t.Errorf("summary not persisted: %+v", got.Summary)
	}
}

func TestSessionTenantIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess := testSession(t, "acme")
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Correct ID, wrong tenant: indistinguishable from absent.
	_, err := store.GetSession(ctx, "globex", sess.ID)
	if !session.IsNotFound(err) {
		t.Errorf("cross-tenant read must report not found, got %v", err)
	}

	_, err = store.GetSession(ctx, "acme", "no-such-id")
	if !session.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		sess := session.New(uuid.New().String(), "acme", "alice", "digest0123456789", "gcp",
			30*time.Minute, base.Add(time.Duration(i)*time.Minute))
		if err := store.SaveSession(ctx, &sess); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	other := testSession(t, "globex")
	if err := store.SaveSession(ctx, other); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	sessions, err := store.ListSessions(ctx, "acme", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if !sessions[0].CreatedAt.After(sessions[2].CreatedAt) {
		t.Error("sessions should be listed newest first")
	}

	limited, err := store.ListSessions(ctx, "acme", 2, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit not applied, got %d", len(limited))
	}
}

func TestListExpiredSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-2 * time.Hour)

	// Expired draft: eligible.
	draft := session.New("expired-draft", "acme", "alice", "digest0123456789", "gcp", 30*time.Minute, past)
	if err := store.SaveSession(ctx, &draft); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Expired but applying: never interrupted.
	applying := session.New("expired-applying", "acme", "alice", "digest0123456789", "gcp", 30*time.Minute, past)
	applying.State = session.StateApplying
	if err := store.SaveSession(ctx, &applying); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Expired but already terminal: done.
	failed := session.New("expired-failed", "acme", "alice", "digest0123456789", "gcp", 30*time.Minute, past)
	failed.State = session.StateFailed
	if err := store.SaveSession(ctx, &failed); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Fresh session: not expired.
	fresh := session.New("fresh", "acme", "alice", "digest0123456789", "gcp", 30*time.Minute, now)
	if err := store.SaveSession(ctx, &fresh); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	expired, err := store.ListExpiredSessions(ctx, now)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "expired-draft" {
		ids := make([]string, len(expired))
		for i, s := range expired {
			ids[i] = s.ID
		}
		t.Errorf("expected only the expired draft, got %v", ids)
	}
}

func TestCountTenantInstances(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	applied := session.New("applied-1", "acme", "alice", "digest0123456789", "gcp", 30*time.Minute, now)
	applied.Resources = []session.ResourceSpec{
		{Type: "compute_instance", Name: "web", Count: 3},
		{Type: "compute_instance", Name: "db"}, // count defaults to 1
	}
	applied.State = session.StateApplied
	if err := store.SaveSession(ctx, &applied); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Draft sessions do not count toward the tenant's footprint.
	draft := session.New("draft-1", "acme", "alice", "digest0123456789", "gcp", 30*time.Minute, now)
	draft.Resources = []session.ResourceSpec{{Type: "compute_instance", Name: "x", Count: 10}}
	if err := store.SaveSession(ctx, &draft); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	count, err := store.CountTenantInstances(ctx, "acme")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 applied instances, got %d", count)
	}

	count, err = store.CountTenantInstances(ctx, "globex")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 for inactive tenant, got %d", count)
	}
}

func TestDeleteSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess := testSession(t, "acme")
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.DeleteSession(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.DeleteSession(ctx, "acme", sess.ID); !session.IsNotFound(err) {
		t.Errorf("double delete should report not found, got %v", err)
	}
}

func TestCapsuleRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	c := &vault.Capsule{
		SessionID: "sess-1",
		TenantID:  "acme",
		OwnerID:   "alice",
		Payload:   []byte{0x01, 0x02, 0x03, 0x04},
		Status:    vault.CapsuleActive,
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}

	if err := store.SaveCapsule(ctx, c); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.GetCapsule(ctx, "acme", "sess-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.OwnerID != "alice" || got.Status != vault.CapsuleActive {
		t.Errorf("capsule mismatch: %+v", got)
	}
	if string(got.Payload) != string(c.Payload) {
		t.Errorf("payload mismatch: %v", got.Payload)
	}

	if _, err := store.GetCapsule(ctx, "globex", "sess-1"); !session.IsNotFound(err) {
		t.Errorf("cross-tenant capsule read must report not found, got %v", err)
	}
}

func TestMarkCapsuleStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	c := &vault.Capsule{
		SessionID: "sess-1",
		TenantID:  "acme",
		OwnerID:   "alice",
		Payload:   []byte{0x01},
		Status:    vault.CapsuleActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.SaveCapsule(ctx, c); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.MarkCapsuleStatus(ctx, "acme", "sess-1", vault.CapsuleRedeemed); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := store.GetCapsule(ctx, "acme", "sess-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != vault.CapsuleRedeemed {
		t.Errorf("status not updated: %s", got.Status)
	}

	if err := store.MarkCapsuleStatus(ctx, "acme", "absent", vault.CapsuleExpired); !session.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := store.MarkCapsuleStatus(ctx, "acme", "sess-1", "shredded"); err == nil {
		t.Error("invalid status should be rejected")
	}
}

func TestDeleteExpiredCapsules(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	for i, expiry := range []time.Time{now.Add(-time.Hour), now.Add(-time.Minute), now.Add(time.Hour)} {
		c := &vault.Capsule{
			SessionID: uuid.New().String(),
			TenantID:  "acme",
			OwnerID:   "alice",
			Payload:   []byte{byte(i)},
			Status:    vault.CapsuleActive,
			CreatedAt: now.Add(-2 * time.Hour),
			ExpiresAt: expiry,
		}
		if err := store.SaveCapsule(ctx, c); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	deleted, err := store.DeleteExpiredCapsules(ctx, now)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
}

func TestProfileEnsureAndUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// No profile yet.
	p, err := store.GetProfile(ctx, "acme")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no profile, got %+v", p)
	}

	// First activity installs the permissive default.
	p, err = store.EnsureProfile(ctx, "acme")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if p.BudgetCeiling != policy.DefaultBudgetCeiling || p.Engine != policy.EngineTerraform {
		t.Errorf("unexpected default profile: %+v", p)
	}

	// Administrative update persists.
	p.BudgetCeiling = 250
	p.AllowedInstanceTypes = []string{"small", "medium"}
	p.Engine = policy.EngineTofu
	p.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := store.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.GetProfile(ctx, "acme")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.BudgetCeiling != 250 || got.Engine != policy.EngineTofu {
		t.Errorf("update not persisted: %+v", got)
	}
	if len(got.AllowedInstanceTypes) != 2 || got.AllowedInstanceTypes[0] != "small" {
		t.Errorf("allow-list not persisted: %v", got.AllowedInstanceTypes)
	}

	// Ensure does not overwrite an existing profile.
	again, err := store.EnsureProfile(ctx, "acme")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if again.BudgetCeiling != 250 {
		t.Errorf("ensure overwrote the profile: %+v", again)
	}
}

func TestUpsertProfileValidates(t *testing.T) {
	store := setupTestStore(t)

	p := policy.DefaultProfile("acme")
	p.Engine = "crayon"
	if err := store.UpsertProfile(context.Background(), p); err == nil {
		t.Error("invalid profile should be rejected")
	}
}

func TestAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	actions := []string{AuditSessionStarted, AuditSessionPlanned, AuditSessionApplied}
	for i, action := range actions {
		ev := &AuditEvent{
			TenantID:  "acme",
			SessionID: "sess-1",
			Actor:     "alice",
			Action:    action,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendAudit(ctx, ev); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if ev.ID == "" {
			t.Error("append should assign an event ID")
		}
	}

	events, err := store.ListAuditEvents(ctx, "acme", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Action != AuditSessionApplied {
		t.Errorf("events should be newest first, got %s", events[0].Action)
	}

	if events, err := store.ListAuditEvents(ctx, "globex", 10, 0); err != nil || len(events) != 0 {
		t.Errorf("other tenants see no events, got %d (%v)", len(events), err)
	}

	if err := store.AppendAudit(ctx, &AuditEvent{TenantID: "acme"}); err == nil {
		t.Error("missing action should be rejected")
	}
	if err := store.AppendAudit(ctx, &AuditEvent{Action: AuditSessionStarted}); err == nil {
		t.Error("missing tenant should be rejected")
	}
}
