package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/groundcrew/groundcrew/pkg/session"
)

// Built-in check names, in evaluation order.
const (
	CheckBudget        = "budget"
	CheckInstanceCount = "instance_count"
	CheckDisk          = "disk"
	CheckInstanceType  = "instance_type"
	CheckResourceType  = "resource_type"
)

// Violation is one failed check with a human-readable reason naming the
// limit and the requested value.
type Violation struct {
	// Check is the name of the failed check, or the Rego rule name for
	// rule violations.
	Check string `json:"check"`

	// Reason describes the violation.
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Check, v.Reason)
}

// Result is the outcome of one policy check.
type Result struct {
	// Allowed is true when no check failed.
	Allowed bool `json:"allowed"`

	// Violations lists the failed checks. Built-in checks short-circuit,
	// so at most one built-in violation appears; Rego rules may append
	// several.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the check ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Reasons returns the violation reasons as plain strings.
func (r *Result) Reasons() []string {
	reasons := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		reasons[i] = v.String()
	}
	return reasons
}

// CheckInput is a proposed deployment as seen by the enforcer.
type CheckInput struct {
	// TenantID identifies the requesting tenant.
	TenantID string `json:"tenant_id"`

	// Resources are the requested resource specifications.
	Resources []session.ResourceSpec `json:"resources"`

	// EstimatedCost is the total estimated monthly cost.
	EstimatedCost float64 `json:"estimated_cost"`

	// CurrentInstances is the tenant's existing instance count.
	CurrentInstances int `json:"current_instances"`
}

// Enforcer validates proposed deployments against tenant profiles. It is
// stateless with respect to tenants; the only mutable state is the set of
// operator Rego rules, which a Loader may hot-swap.
type Enforcer struct {
	logger zerolog.Logger

	// mu guards rules.
	mu    sync.RWMutex
	rules []*Rule
}

// NewEnforcer creates an enforcer with no operator rules loaded.
func NewEnforcer(logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

// SetRules replaces the operator rule set.
func (e *Enforcer) SetRules(rules []*Rule) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	e.logger.Info().Int("count", len(rules)).Msg("policy rules installed")
}

// Rules returns the currently installed operator rules.
func (e *Enforcer) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Check validates a proposed deployment against a profile. Built-in
// checks run in fixed order and the first failure short-circuits; Rego
// rules run only after every built-in check passed. A nil profile means
// the permissive default.
func (e *Enforcer) Check(ctx context.Context, profile *Profile, in CheckInput) (*Result, error) {
	if profile == nil {
		profile = DefaultProfile(in.TenantID)
	}

	result := &Result{Allowed: true, EvaluatedAt: time.Now().UTC()}

	if v := e.checkBuiltins(profile, in); v != nil {
		result.Allowed = false
		result.Violations = []Violation{*v}
		e.logResult(profile, result)
		return result, nil
	}

	violations, err := e.evalRules(ctx, profile, in)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		result.Allowed = false
		result.Violations = violations
	}

	e.logResult(profile, result)
	return result, nil
}

// checkBuiltins runs the ordered built-in checks and returns the first
// violation, or nil when all pass.
func (e *Enforcer) checkBuiltins(profile *Profile, in CheckInput) *Violation {
	if in.EstimatedCost > profile.BudgetCeiling {
		return &Violation{
			Check:  CheckBudget,
			Reason: fmt.Sprintf("estimated cost %.2f exceeds budget ceiling %.2f", in.EstimatedCost, profile.BudgetCeiling),
		}
	}

	requested := 0
	for _, r := range in.Resources {
		requested += r.Instances()
	}
	if in.CurrentInstances+requested >= profile.InstanceCeiling {
		return &Violation{
			Check: CheckInstanceCount,
			Reason: fmt.Sprintf("requested %d instances on top of %d existing reaches the ceiling of %d",
				requested, in.CurrentInstances, profile.InstanceCeiling),
		}
	}

	for _, r := range in.Resources {
		if r.DiskGB > profile.DiskCeilingGB {
			return &Violation{
				Check:  CheckDisk,
				Reason: fmt.Sprintf("requested disk %d GB for %s exceeds ceiling %d GB", r.DiskGB, r.Name, profile.DiskCeilingGB),
			}
		}
	}

	for _, r := range in.Resources {
		if r.InstanceType != "" && !profile.AllowsInstanceType(r.InstanceType) {
			return &Violation{
				Check:  CheckInstanceType,
				Reason: fmt.Sprintf("instance type %s is not in the tenant allow-list", r.InstanceType),
			}
		}
	}

	for _, r := range in.Resources {
		if !profile.AllowsResourceType(r.Type) {
			return &Violation{
				Check:  CheckResourceType,
				Reason: fmt.Sprintf("resource type %s is not in the tenant allow-list", r.Type),
			}
		}
	}

	return nil
}

// evalRules evaluates the operator rules plus the profile's inline Rego
// and collects every deny message.
func (e *Enforcer) evalRules(ctx context.Context, profile *Profile, in CheckInput) ([]Violation, error) {
	rules := e.Rules()
	if profile.Rules != "" {
		tenantRule, err := CompileRule("tenant:"+profile.TenantID, profile.Rules)
		if err != nil {
			return nil, fmt.Errorf("failed to compile tenant rules: %w", err)
		}
		rules = append(rules, tenantRule)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	input := ruleInput(profile, in)

	var violations []Violation
	for _, rule := range rules {
		denies, err := rule.Eval(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("rule %s evaluation failed: %w", rule.Name, err)
		}
		for _, msg := range denies {
			violations = append(violations, Violation{Check: rule.Name, Reason: msg})
		}
	}
	return violations, nil
}

// ruleInput builds the document visible to Rego rules as input.
func ruleInput(profile *Profile, in CheckInput) map[string]interface{} {
	resources := make([]map[string]interface{}, len(in.Resources))
	for i, r := range in.Resources {
		resources[i] = map[string]interface{}{
			"type":          r.Type,
			"name":          r.Name,
			"instance_type": r.InstanceType,
			"count":         r.Instances(),
			"disk_gb":       r.DiskGB,
			"monthly_cost":  r.MonthlyCost,
			"attributes":    r.Attributes,
		}
	}

	return map[string]interface{}{
		"tenant":            in.TenantID,
		"estimated_cost":    in.EstimatedCost,
		"current_instances": in.CurrentInstances,
		"resources":         resources,
		"profile": map[string]interface{}{
			"budget_ceiling":   profile.BudgetCeiling,
			"instance_ceiling": profile.InstanceCeiling,
			"disk_ceiling_gb":  profile.DiskCeilingGB,
			"engine":           string(profile.Engine),
		},
	}
}

func (e *Enforcer) logResult(profile *Profile, result *Result) {
	ev := e.logger.Debug()
	if !result.Allowed {
		ev = e.logger.Info()
	}
	ev.Str("tenant_id", profile.TenantID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Msg("policy check evaluated")
}

// Rule is one compiled Rego rule whose deny set produces violations.
type Rule struct {
	// Name identifies the rule, typically the source file base name.
	Name string

	// Source is the raw Rego text.
	Source string

	query rego.PreparedEvalQuery
}

// CompileRule parses and prepares a Rego rule for evaluation. The rule's
// package must expose a deny set of message strings.
func CompileRule(name, source string) (*Rule, error) {
	pkg, err := regoPackage(source)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}

	query, err := rego.New(
		rego.Module(name, source),
		rego.Query("data."+pkg+".deny"),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rule %s: %w", name, err)
	}

	return &Rule{Name: name, Source: source, query: query}, nil
}

// Eval evaluates the rule against an input document and returns the deny
// messages.
func (r *Rule) Eval(ctx context.Context, input map[string]interface{}) ([]string, error) {
	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var msgs []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range set {
				switch v := entry.(type) {
				case string:
					msgs = append(msgs, v)
				default:
					msgs = append(msgs, fmt.Sprintf("%v", v))
				}
			}
		}
	}
	return msgs, nil
}
