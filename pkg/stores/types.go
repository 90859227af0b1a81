package stores

import (
	"time"
)

// Audit actions recorded by the orchestrator.
const (
	AuditSessionStarted   = "session.started"
	AuditResourceAdded    = "session.resource_added"
	AuditSessionValidated = "session.validated"
	AuditSessionPlanned   = "session.planned"
	AuditSessionApproved  = "session.approved"
	AuditSessionApplied   = "session.applied"
	AuditSessionFailed    = "session.failed"
	AuditSessionCancelled = "session.cancelled"
	AuditSessionExpired   = "session.expired"
	AuditSessionRecovered = "session.recovered"
	AuditProfileUpdated   = "policy.profile_updated"
)

// AuditEvent is one append-only audit trail entry.
type AuditEvent struct {
	// TenantID is the owning tenant.
	TenantID string `json:"tenant_id"`

	// ID is the unique event identifier.
	ID string `json:"id"`

	// SessionID is the affected session, when applicable.
	SessionID string `json:"session_id,omitempty"`

	// Actor is the user or subsystem that performed the action.
	Actor string `json:"actor,omitempty"`

	// Action is one of the Audit* constants.
	Action string `json:"action"`

	// Details is free-form human-readable context.
	Details string `json:"details,omitempty"`

	// CreatedAt is when the event was recorded.
	CreatedAt time.Time `json:"created_at"`
}
