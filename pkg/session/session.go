package session

import (
	"time"
)

// DefaultTTL is the session lifetime applied when the caller does not
// request one explicitly.
const DefaultTTL = 30 * time.Minute

// MinTTL and MaxTTL bound the requested session lifetime.
const (
	MinTTL = 5 * time.Minute
	MaxTTL = 4 * time.Hour
)

// ResourceSpec describes a single requested infrastructure resource.
type ResourceSpec struct {
	// Type is the resource type (e.g., "compute_instance", "disk").
	Type string `json:"type"`

	// Name is the caller-chosen resource name.
	Name string `json:"name"`

	// InstanceType is the machine shape, for compute resources.
	InstanceType string `json:"instance_type,omitempty"`

	// Count is the number of instances requested (defaults to 1).
	Count int `json:"count"`

	// DiskGB is the requested disk size in gigabytes, if applicable.
	DiskGB int `json:"disk_gb,omitempty"`

	// MonthlyCost is the estimated monthly cost for this resource.
	MonthlyCost float64 `json:"monthly_cost"`

	// Attributes contains free-form provider-specific configuration.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Instances returns the effective instance count for the resource.
func (r ResourceSpec) Instances() int {
	if r.Count <= 0 {
		return 1
	}
	return r.Count
}

// ChangeSummary holds the resource operation counts parsed from a dry run.
type ChangeSummary struct {
	// ToCreate is the number of resources the engine would create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of resources the engine would update in place.
	ToUpdate int `json:"to_update"`

	// ToDelete is the number of resources the engine would destroy.
	ToDelete int `json:"to_delete"`
}

// Total returns the total number of resource operations in the plan.
func (c ChangeSummary) Total() int {
	return c.ToCreate + c.ToUpdate + c.ToDelete
}

// Progress is the live view of an in-flight execution.
type Progress struct {
	// Completed is the number of finished resource operations.
	Completed int `json:"completed"`

	// Total is the number of planned resource operations.
	Total int `json:"total"`

	// CurrentAction is a human-readable description of the current step.
	CurrentAction string `json:"current_action,omitempty"`
}

// Session is the deployment session aggregate. Updates are immutable-style:
// the With* methods and Apply return modified copies, and only the
// orchestrator persists them.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`

	// TenantID is the owning tenant. All lookups require it.
	TenantID string `json:"tenant_id"`

	// User is the requesting user identifier.
	User string `json:"user"`

	// ProjectDigest is the one-way digest of the target project reference.
	// The raw reference lives only in the vault.
	ProjectDigest string `json:"project_digest"`

	// Provider is the infrastructure provider tag (e.g., "gcp", "aws").
	Provider string `json:"provider"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Resources is the ordered list of requested resources. Append-only
	// while the session is editable, frozen otherwise.
	Resources []ResourceSpec `json:"resources"`

	// Summary is the parsed plan summary. Present if and only if the
	// session is at or beyond PlanReady.
	Summary *ChangeSummary `json:"summary,omitempty"`

	// CostEstimate is the total estimated monthly cost of the request.
	CostEstimate float64 `json:"cost_estimate"`

	// Progress is the last observed execution progress.
	Progress Progress `json:"progress"`

	// Approver is the user who approved the plan, once approved.
	Approver string `json:"approver,omitempty"`

	// LastError is the human-readable reason for the last failure.
	LastError string `json:"last_error,omitempty"`

	// FailureExcerpt holds the bounded diagnostic excerpt of a failed
	// execution, one line per entry.
	FailureExcerpt []string `json:"failure_excerpt,omitempty"`

	// CreatedAt is when the session was started.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the session was last modified.
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is the session expiry timestamp (CreatedAt + TTL).
	ExpiresAt time.Time `json:"expires_at"`

	// AppliedAt is when the apply completed, for applied sessions.
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// ClampTTL bounds a requested TTL to [MinTTL, MaxTTL], substituting
// DefaultTTL for a zero value.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return DefaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// New creates a session in Draft with expiry now+ttl.
func New(id, tenantID, user, projectDigest, provider string, ttl time.Duration, now time.Time) Session {
	return Session{
		ID:            id,
		TenantID:      tenantID,
		User:          user,
		ProjectDigest: projectDigest,
		Provider:      provider,
		State:         StateDraft,
		Resources:     nil,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ClampTTL(ttl)),
	}
}

// clone returns a deep copy of the session.
func (s Session) clone() Session {
	out := s
	if s.Resources != nil {
		out.Resources = make([]ResourceSpec, len(s.Resources))
		copy(out.Resources, s.Resources)
	}
	if s.Summary != nil {
		summary := *s.Summary
		out.Summary = &summary
	}
	if s.FailureExcerpt != nil {
		out.FailureExcerpt = make([]string, len(s.FailureExcerpt))
		copy(out.FailureExcerpt, s.FailureExcerpt)
	}
	if s.AppliedAt != nil {
		applied := *s.AppliedAt
		out.AppliedAt = &applied
	}
	return out
}

// Apply transitions the session through ev, returning the updated copy.
// Illegal transitions return a StateViolation error and leave the
// receiver untouched.
func (s Session) Apply(ev Event) (Session, error) {
	next, err := Transition(s.State, ev)
	if err != nil {
		return s, err
	}

	out := s.clone()
	out.State = next
	out.UpdatedAt = time.Now().UTC()
	if next == StateApplied {
		now := time.Now().UTC()
		out.AppliedAt = &now
	}
	return out, nil
}

// AppendResource appends a resource spec, enforcing the editable-state
// invariant. Appending in PlanReady fires Amend, which re-enters Planning
// and invalidates the stored plan summary.
func (s Session) AppendResource(spec ResourceSpec) (Session, error) {
	if !s.State.IsEditable() {
		return s, NewSessionLocked(s.State)
	}

	out := s.clone()
	if s.State == StatePlanReady {
		amended, err := out.Apply(EventAmend)
		if err != nil {
			return s, err
		}
		out = amended
		out.Summary = nil
	}

	out.Resources = append(out.Resources, spec)
	out.CostEstimate += spec.MonthlyCost
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// WithSummary records a parsed plan summary on the session.
func (s Session) WithSummary(summary ChangeSummary) Session {
	out := s.clone()
	out.Summary = &summary
	out.UpdatedAt = time.Now().UTC()
	return out
}

// WithProgress records the latest execution progress.
func (s Session) WithProgress(p Progress) Session {
	out := s.clone()
	out.Progress = p
	out.UpdatedAt = time.Now().UTC()
	return out
}

// WithApprover records the approving user.
func (s Session) WithApprover(approver string) Session {
	out := s.clone()
	out.Approver = approver
	out.UpdatedAt = time.Now().UTC()
	return out
}

// WithFailure records the failure reason and the bounded diagnostic excerpt.
func (s Session) WithFailure(reason string, excerpt []string) Session {
	out := s.clone()
	out.LastError = reason
	if excerpt != nil {
		out.FailureExcerpt = make([]string, len(excerpt))
		copy(out.FailureExcerpt, excerpt)
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}

// IsExpired returns true if the session is past its expiry at now.
func (s Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RequestedInstances returns the total instance count across all resources.
func (s Session) RequestedInstances() int {
	total := 0
	for _, r := range s.Resources {
		total += r.Instances()
	}
	return total
}
