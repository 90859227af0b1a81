package session

import (
	"encoding/json"
	"fmt"
)

// State represents the lifecycle state of a deployment session.
type State string

const (
	// StateDraft indicates the session is editable and resources may be added.
	StateDraft State = "draft"

	// StateValidating indicates the resource list is frozen and policy checks run.
	StateValidating State = "validating"

	// StatePlanning indicates a dry run is executing against the backend.
	StatePlanning State = "planning"

	// StatePlanReady indicates a plan summary is available and awaiting approval.
	StatePlanReady State = "plan_ready"

	// StateApproved indicates an operator approved the plan for application.
	StateApproved State = "approved"

	// StateApplying indicates the apply execution is in flight.
	StateApplying State = "applying"

	// StateApplied indicates the apply completed successfully.
	StateApplied State = "applied"

	// StateFailed indicates validation, planning or applying failed.
	StateFailed State = "failed"

	// StateCancelled indicates the session was cancelled by an explicit request.
	StateCancelled State = "cancelled"

	// StateExpired indicates the session outlived its TTL before completing.
	StateExpired State = "expired"
)

// IsTerminal returns true if the state has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateApplied || s == StateFailed ||
		s == StateCancelled || s == StateExpired
}

// IsEditable returns true if resources may be appended in this state.
func (s State) IsEditable() bool {
	return s == StateDraft || s == StatePlanReady
}

// Validate checks if the state is a known value.
func (s State) Validate() error {
	switch s {
	case StateDraft, StateValidating, StatePlanning, StatePlanReady,
		StateApproved, StateApplying, StateApplied, StateFailed,
		StateCancelled, StateExpired:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// Event represents a lifecycle event applied to a session.
type Event string

const (
	// EventSubmit freezes the resource list and starts validation.
	EventSubmit Event = "submit"

	// EventValidatePass indicates all policy checks passed.
	EventValidatePass Event = "validate_pass"

	// EventValidateFail indicates a policy check failed.
	EventValidateFail Event = "validate_fail"

	// EventPlanSucceed indicates the dry run completed, possibly with zero changes.
	EventPlanSucceed Event = "plan_succeed"

	// EventPlanFail indicates the dry run execution failed.
	EventPlanFail Event = "plan_fail"

	// EventAmend indicates a resource was appended while the plan was ready,
	// invalidating the stored plan.
	EventAmend Event = "amend"

	// EventApprove indicates an operator approved the plan.
	EventApprove Event = "approve"

	// EventApplyStart indicates the apply execution is starting.
	EventApplyStart Event = "apply_start"

	// EventApplySucceed indicates the apply completed successfully.
	EventApplySucceed Event = "apply_succeed"

	// EventApplyFail indicates the apply execution failed.
	EventApplyFail Event = "apply_fail"

	// EventCancel indicates an explicit cancellation request.
	EventCancel Event = "cancel"

	// EventExpire indicates the session passed its expiry timestamp.
	EventExpire Event = "expire"
)

// Validate checks if the event is a known value.
func (e Event) Validate() error {
	switch e {
	case EventSubmit, EventValidatePass, EventValidateFail, EventPlanSucceed,
		EventPlanFail, EventAmend, EventApprove, EventApplyStart,
		EventApplySucceed, EventApplyFail, EventCancel, EventExpire:
		return nil
	default:
		return fmt.Errorf("invalid session event: %s", e)
	}
}

// transitions is the single source of truth for legal state changes.
// Cancel and Expire are legal from every non-terminal state except Applying:
// an in-flight apply must finish or fail on its own.
var transitions = map[State]map[Event]State{
	StateDraft: {
		EventSubmit: StateValidating,
		EventCancel: StateCancelled,
		EventExpire: StateExpired,
	},
	StateValidating: {
		EventValidatePass: StatePlanning,
		EventValidateFail: StateFailed,
		EventCancel:       StateCancelled,
		EventExpire:       StateExpired,
	},
	StatePlanning: {
		EventPlanSucceed: StatePlanReady,
		EventPlanFail:    StateFailed,
		EventCancel:      StateCancelled,
		EventExpire:      StateExpired,
	},
	StatePlanReady: {
		EventApprove: StateApproved,
		EventAmend:   StatePlanning,
		EventCancel:  StateCancelled,
		EventExpire:  StateExpired,
	},
	StateApproved: {
		EventApplyStart: StateApplying,
		EventCancel:     StateCancelled,
		EventExpire:     StateExpired,
	},
	StateApplying: {
		EventApplySucceed: StateApplied,
		EventApplyFail:    StateFailed,
	},
}

// Transition returns the state reached by applying ev in state from.
// Illegal pairs return a StateViolation error naming both; they never
// silently no-op.
func Transition(from State, ev Event) (State, error) {
	if err := from.Validate(); err != nil {
		return "", err
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}

	next, ok := transitions[from][ev]
	if !ok {
		return "", NewStateViolation(from, ev)
	}
	return next, nil
}

// CanTransition reports whether ev is legal in state from.
func CanTransition(from State, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}
