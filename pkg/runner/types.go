package runner

import (
	"fmt"
	"time"

	"github.com/groundcrew/groundcrew/pkg/session"
)

// Operation is the engine operation to perform.
type Operation string

const (
	// OperationPlan is a non-mutating dry run reporting what would change.
	OperationPlan Operation = "plan"

	// OperationApply provisions, updates and destroys resources.
	OperationApply Operation = "apply"

	// OperationDestroy tears down all managed resources.
	OperationDestroy Operation = "destroy"

	// OperationValidate checks the working tree configuration only.
	OperationValidate Operation = "validate"
)

// Validate checks if the operation is a known value.
func (o Operation) Validate() error {
	switch o {
	case OperationPlan, OperationApply, OperationDestroy, OperationValidate:
		return nil
	default:
		return fmt.Errorf("invalid engine operation: %s", o)
	}
}

// IsMutating returns true if the operation changes infrastructure.
func (o Operation) IsMutating() bool {
	return o == OperationApply || o == OperationDestroy
}

// Config holds runner configuration.
type Config struct {
	// Binary is the default engine binary ("terraform" or "tofu").
	Binary string

	// PlanTimeout is the wall-clock ceiling for plan operations.
	PlanTimeout time.Duration

	// ApplyTimeout is the ceiling for apply operations. Always larger
	// than PlanTimeout.
	ApplyTimeout time.Duration

	// DestroyTimeout is the ceiling for destroy operations.
	DestroyTimeout time.Duration

	// ValidateTimeout is the ceiling for validate operations.
	ValidateTimeout time.Duration

	// GracePeriod is the pause between SIGTERM and SIGKILL on termination.
	GracePeriod time.Duration

	// MaxBufferLines caps the retained output buffer.
	MaxBufferLines int

	// ExcerptLines is the size of the failure diagnostic excerpt.
	ExcerptLines int
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Binary:          "terraform",
		PlanTimeout:     10 * time.Minute,
		ApplyTimeout:    40 * time.Minute,
		DestroyTimeout:  30 * time.Minute,
		ValidateTimeout: 2 * time.Minute,
		GracePeriod:     10 * time.Second,
		MaxBufferLines:  400,
		ExcerptLines:    20,
	}
}

// timeoutFor returns the configured ceiling for an operation.
func (c Config) timeoutFor(op Operation) time.Duration {
	switch op {
	case OperationApply:
		return c.ApplyTimeout
	case OperationDestroy:
		return c.DestroyTimeout
	case OperationValidate:
		return c.ValidateTimeout
	default:
		return c.PlanTimeout
	}
}

// Request describes one engine execution.
type Request struct {
	// Operation is the engine operation to run.
	Operation Operation

	// Dir is the working directory holding the generated configuration.
	Dir string

	// Binary overrides the configured engine binary, if non-empty.
	Binary string

	// Args overrides the operation's default argument list entirely, if
	// non-empty. Used by operator debugging commands.
	Args []string

	// ExtraArgs are appended to the operation's default arguments.
	ExtraArgs []string

	// Env entries are appended to the child environment.
	Env []string

	// Timeout overrides the operation's configured ceiling, if positive.
	Timeout time.Duration

	// SeedTotal pre-seeds the progress total, typically from a stored
	// plan summary before an apply.
	SeedTotal int
}

// ProgressFunc is invoked on every visible progress change, never once
// per raw output line.
type ProgressFunc func(session.Progress)

// Result is the outcome of one engine execution. A non-zero exit is
// always surfaced here, never swallowed.
type Result struct {
	// Operation is the operation that ran.
	Operation Operation `json:"operation"`

	// Success is true if the child exited zero without cancellation.
	Success bool `json:"success"`

	// ExitCode is the child exit code (-1 if the process never ran).
	ExitCode int `json:"exit_code"`

	// Summary is the parsed change summary. Zero-valued when the output
	// carried no summary line, which means no changes.
	Summary session.ChangeSummary `json:"summary"`

	// Progress is the final progress view.
	Progress session.Progress `json:"progress"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`

	// Output is the captured output, bounded to the last MaxBufferLines.
	Output []string `json:"output,omitempty"`

	// Excerpt is the last ExcerptLines of output, kept for diagnostics.
	Excerpt []string `json:"excerpt,omitempty"`

	// Cancelled is true if the run was terminated by an explicit cancel.
	Cancelled bool `json:"cancelled"`

	// TimedOut is true if the run was terminated by its time ceiling.
	TimedOut bool `json:"timed_out"`
}

// Err converts a failed result into the matching domain error; it returns
// nil for successful results.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.TimedOut {
		return session.NewTimeout(string(r.Operation), nil)
	}
	if r.Cancelled {
		e := session.NewExecutionFailure(r.ExitCode, r.Excerpt, nil)
		e.Message = fmt.Sprintf("engine %s cancelled", r.Operation)
		return e
	}
	return session.NewExecutionFailure(r.ExitCode, r.Excerpt, nil)
}
