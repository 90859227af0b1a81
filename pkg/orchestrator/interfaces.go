package orchestrator

import (
	"context"
	"time"

	"github.com/groundcrew/groundcrew/pkg/policy"
	"github.com/groundcrew/groundcrew/pkg/runner"
	"github.com/groundcrew/groundcrew/pkg/session"
	"github.com/groundcrew/groundcrew/pkg/stores"
	"github.com/groundcrew/groundcrew/pkg/vault"
	"github.com/groundcrew/groundcrew/pkg/workspace"
)

// Store is the durable record store the orchestrator writes through.
// Implemented by stores.SQLiteStore.
type Store interface {
	// SaveSession inserts or replaces a session record.
	SaveSession(ctx context.Context, sess *session.Session) error

	// GetSession retrieves a tenant's session.
	GetSession(ctx context.Context, tenantID, id string) (*session.Session, error)

	// ListExpiredSessions returns sessions past expiry that are still
	// eligible for expiry.
	ListExpiredSessions(ctx context.Context, now time.Time) ([]*session.Session, error)

	// CountTenantInstances sums the instance counts of a tenant's
	// applied sessions.
	CountTenantInstances(ctx context.Context, tenantID string) (int, error)

	// SaveCapsule persists a recovery capsule.
	SaveCapsule(ctx context.Context, c *vault.Capsule) error

	// GetCapsule retrieves a tenant's capsule for a session.
	GetCapsule(ctx context.Context, tenantID, sessionID string) (*vault.Capsule, error)

	// MarkCapsuleStatus updates a capsule's lifecycle status.
	MarkCapsuleStatus(ctx context.Context, tenantID, sessionID string, status vault.CapsuleStatus) error

	// EnsureProfile returns a tenant's policy profile, creating the
	// permissive default on first activity.
	EnsureProfile(ctx context.Context, tenantID string) (*policy.Profile, error)

	// AppendAudit records an audit event.
	AppendAudit(ctx context.Context, ev *stores.AuditEvent) error
}

// SecretVault holds sensitive identifiers in memory only. Implemented by
// vault.Vault.
type SecretVault interface {
	// PutUntil stores a payload with an absolute expiry.
	PutUntil(sessionID string, payload []byte, expiresAt time.Time) error

	// Get returns the payload, or VaultExpired when absent or expired.
	Get(sessionID string) ([]byte, error)

	// Purge removes an entry and destroys its key material.
	Purge(sessionID string)

	// Len reports the number of live entries.
	Len() int

	// GenerateCapsule builds an encrypted recovery capsule for a live
	// entry.
	GenerateCapsule(sessionID, ownerID, tenantID string) (*vault.Capsule, error)
}

// Executor runs engine operations. Implemented by runner.Runner.
type Executor interface {
	// Run executes one engine operation to completion.
	Run(ctx context.Context, req runner.Request, onProgress runner.ProgressFunc) (*runner.Result, error)
}

// PolicyChecker validates a proposed deployment against a tenant
// profile. Implemented by policy.Enforcer.
type PolicyChecker interface {
	Check(ctx context.Context, profile *policy.Profile, in policy.CheckInput) (*policy.Result, error)
}

// Workspaces lays out per-tenant working directories. Implemented by
// workspace.Manager.
type Workspaces interface {
	// Layout computes the isolated layout for a tenant project.
	Layout(tenantID, projectRef string) workspace.Layout

	// Ensure creates the working directory.
	Ensure(l workspace.Layout) error
}
