package orchestrator

import (
	"time"

	"github.com/groundcrew/groundcrew/pkg/policy"
	"github.com/groundcrew/groundcrew/pkg/session"
)

// StartRequest describes a new deployment session.
type StartRequest struct {
	// Tenant is the owning tenant identifier.
	Tenant string

	// User is the requesting user identifier. The recovery capsule is
	// bound to it.
	User string

	// ProjectRef is the sensitive project reference. It enters the
	// vault and never reaches durable storage in plaintext.
	ProjectRef string

	// Provider is the infrastructure provider tag.
	Provider string

	// TTL is the session lifetime, clamped to the permitted range. Zero
	// selects the default.
	TTL time.Duration
}

// ValidationResult is the outcome of a policy validation. Violations are
// data, not an error: a rejected request is a normal outcome.
type ValidationResult struct {
	// Session is the session after the validation transition.
	Session session.Session

	// Allowed is true when every policy check passed.
	Allowed bool

	// Violations lists the failed checks when not allowed.
	Violations []policy.Violation
}

// PlanResult is the outcome of a successful dry run.
type PlanResult struct {
	// Session is the session in PlanReady with the summary recorded.
	Session session.Session

	// Summary is the parsed change summary.
	Summary session.ChangeSummary

	// Duration is the engine execution time.
	Duration time.Duration
}

// ApplyResult is the outcome of an approve-and-apply.
type ApplyResult struct {
	// Session is the session after the apply concluded.
	Session session.Session

	// AlreadyApplied is true when the session was applied before this
	// call and nothing ran.
	AlreadyApplied bool

	// Progress is the final execution progress.
	Progress session.Progress

	// Duration is the engine execution time.
	Duration time.Duration
}
