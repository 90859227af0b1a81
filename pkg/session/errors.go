package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a domain error for handling at the call site.
type ErrorKind string

const (
	// KindStateViolation indicates an illegal transition was attempted.
	// This is a caller bug and must not be retried.
	KindStateViolation ErrorKind = "state_violation"

	// KindSessionLocked indicates an edit was attempted on a frozen session.
	// The caller should re-fetch the session state.
	KindSessionLocked ErrorKind = "session_locked"

	// KindPolicyViolation indicates the request violated tenant policy.
	// The violation reasons are surfaced verbatim to the user.
	KindPolicyViolation ErrorKind = "policy_violation"

	// KindVaultExpired indicates the session secret is no longer available.
	// The caller must prompt for recovery or restart the session.
	KindVaultExpired ErrorKind = "vault_expired"

	// KindRecoveryFailed indicates a capsule redemption failed. Deliberately
	// generic: the same error is returned for unknown, expired, corrupted
	// and wrongly-owned capsules to prevent enumeration attacks.
	KindRecoveryFailed ErrorKind = "recovery_failed"

	// KindExecutionFailure indicates the engine child process exited non-zero.
	// Carries a bounded diagnostic excerpt.
	KindExecutionFailure ErrorKind = "execution_failure"

	// KindTimeout indicates the operation exceeded its wall-clock ceiling.
	// Treated identically to cancellation downstream.
	KindTimeout ErrorKind = "timeout"

	// KindOperationInProgress indicates another operation holds the session lock.
	KindOperationInProgress ErrorKind = "operation_in_progress"

	// KindNotFound indicates the (tenant, session) pair does not exist.
	KindNotFound ErrorKind = "not_found"
)

// Error is the typed domain error shared across the orchestration engine.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// State is the session state at the time of the error, if relevant.
	State State `json:"state,omitempty"`

	// Event is the attempted event for state violations.
	Event Event `json:"event,omitempty"`

	// Reasons holds the ordered policy violation reasons, if any.
	Reasons []string `json:"reasons,omitempty"`

	// Excerpt holds the last output lines of a failed execution.
	Excerpt []string `json:"excerpt,omitempty"`

	// ExitCode is the child process exit code for execution failures.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.State != "" && e.Event != "" {
		fmt.Fprintf(&b, " (state=%s, event=%s)", e.State, e.Event)
	} else if e.State != "" {
		fmt.Fprintf(&b, " (state=%s)", e.State)
	}
	if len(e.Reasons) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Reasons, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two domain errors match
// when their kinds match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewStateViolation creates an error for an illegal transition attempt.
func NewStateViolation(current State, ev Event) *Error {
	return &Error{
		Kind:    KindStateViolation,
		Message: fmt.Sprintf("event %s is not legal in state %s", ev, current),
		State:   current,
		Event:   ev,
	}
}

// NewSessionLocked creates an error for an edit attempted on a frozen session.
func NewSessionLocked(current State) *Error {
	return &Error{
		Kind:    KindSessionLocked,
		Message: fmt.Sprintf("session is not editable in state %s", current),
		State:   current,
	}
}

// NewPolicyViolation creates an error carrying the ordered violation reasons.
func NewPolicyViolation(reasons []string) *Error {
	return &Error{
		Kind:    KindPolicyViolation,
		Message: "request violates tenant policy",
		Reasons: reasons,
	}
}

// NewVaultExpired creates the single error shape for an absent session secret.
// Callers must not be able to distinguish "expired" from "never existed".
func NewVaultExpired() *Error {
	return &Error{
		Kind:    KindVaultExpired,
		Message: "session secret is no longer available",
	}
}

// NewRecoveryFailed creates the single generic error for every capsule
// redemption failure. No variant detail may be attached.
func NewRecoveryFailed() *Error {
	return &Error{
		Kind:    KindRecoveryFailed,
		Message: "recovery failed",
	}
}

// NewExecutionFailure creates an error for a failed engine execution.
func NewExecutionFailure(exitCode int, excerpt []string, err error) *Error {
	return &Error{
		Kind:     KindExecutionFailure,
		Message:  fmt.Sprintf("engine execution failed with exit code %d", exitCode),
		ExitCode: exitCode,
		Excerpt:  excerpt,
		Err:      err,
	}
}

// NewTimeout creates an error for an operation that exceeded its ceiling.
func NewTimeout(operation string, err error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("operation %s exceeded its time ceiling", operation),
		Err:     err,
	}
}

// NewOperationInProgress creates an error for session lock contention.
func NewOperationInProgress(sessionID string) *Error {
	return &Error{
		Kind:    KindOperationInProgress,
		Message: fmt.Sprintf("another operation is in progress on session %s", sessionID),
	}
}

// NewNotFound creates an error for an unknown (tenant, session) pair.
func NewNotFound(sessionID string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("session not found: %s", sessionID),
	}
}

// KindOf returns the kind of a domain error, or the empty string for
// errors outside the taxonomy.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsStateViolation returns true if the error is a state violation.
func IsStateViolation(err error) bool { return isKind(err, KindStateViolation) }

// IsSessionLocked returns true if the error is a session lock rejection.
func IsSessionLocked(err error) bool { return isKind(err, KindSessionLocked) }

// IsPolicyViolation returns true if the error is a policy violation.
func IsPolicyViolation(err error) bool { return isKind(err, KindPolicyViolation) }

// IsVaultExpired returns true if the error indicates an absent session secret.
func IsVaultExpired(err error) bool { return isKind(err, KindVaultExpired) }

// IsRecoveryFailed returns true if the error is a capsule redemption failure.
func IsRecoveryFailed(err error) bool { return isKind(err, KindRecoveryFailed) }

// IsExecutionFailure returns true if the error is an engine execution failure.
func IsExecutionFailure(err error) bool { return isKind(err, KindExecutionFailure) }

// IsTimeout returns true if the error is an operation timeout.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

// IsOperationInProgress returns true if the error is session lock contention.
func IsOperationInProgress(err error) bool { return isKind(err, KindOperationInProgress) }

// IsNotFound returns true if the error is an unknown session lookup.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }
