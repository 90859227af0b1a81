package policy

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// EngineVariant selects which IaC binary executes a tenant's deployments.
type EngineVariant string

const (
	// EngineTerraform runs deployments with the terraform binary.
	EngineTerraform EngineVariant = "terraform"

	// EngineTofu runs deployments with the OpenTofu binary.
	EngineTofu EngineVariant = "tofu"
)

// Validate checks if the engine variant is a known value.
func (v EngineVariant) Validate() error {
	switch v {
	case EngineTerraform, EngineTofu:
		return nil
	default:
		return fmt.Errorf("invalid engine variant: %s", v)
	}
}

// Binary returns the executable name for the variant.
func (v EngineVariant) Binary() string {
	return string(v)
}

// Default ceilings applied when a tenant has no explicit profile. They
// are deliberately generous: an unconfigured tenant is unrestricted in
// practice.
const (
	DefaultBudgetCeiling   = 10000.0
	DefaultInstanceCeiling = 100
	DefaultDiskCeilingGB   = 10000
)

// Profile holds the per-tenant deployment limits. It is written only by
// administrative action and read-only to the enforcer.
type Profile struct {
	// TenantID identifies the tenant this profile belongs to.
	TenantID string `json:"tenant_id" validate:"required"`

	// BudgetCeiling is the maximum estimated monthly cost for a single
	// deployment session.
	BudgetCeiling float64 `json:"budget_ceiling" validate:"gte=0"`

	// InstanceCeiling bounds the tenant's total instance count. A
	// request is rejected when current plus requested instances would
	// reach the ceiling.
	InstanceCeiling int `json:"instance_ceiling" validate:"gte=0"`

	// DiskCeilingGB is the maximum disk a single session may request.
	DiskCeilingGB int `json:"disk_ceiling_gb" validate:"gte=0"`

	// AllowedInstanceTypes restricts instance types when non-empty.
	AllowedInstanceTypes []string `json:"allowed_instance_types,omitempty"`

	// AllowedResourceTypes restricts resource types when non-empty.
	AllowedResourceTypes []string `json:"allowed_resource_types,omitempty"`

	// ApprovalRequired gates apply behind an explicit approver.
	ApprovalRequired bool `json:"approval_required"`

	// Engine is the tenant's preferred IaC binary.
	Engine EngineVariant `json:"engine" validate:"required,oneof=terraform tofu"`

	// Rules is optional tenant-specific Rego evaluated after the
	// built-in checks.
	Rules string `json:"rules,omitempty"`

	// UpdatedAt is when the profile was last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

var validate = validator.New()

// DefaultProfile returns the permissive profile used for tenants without
// an explicit one.
func DefaultProfile(tenantID string) *Profile {
	return &Profile{
		TenantID:         tenantID,
		BudgetCeiling:    DefaultBudgetCeiling,
		InstanceCeiling:  DefaultInstanceCeiling,
		DiskCeilingGB:    DefaultDiskCeilingGB,
		ApprovalRequired: false,
		Engine:           EngineTerraform,
		UpdatedAt:        time.Now().UTC(),
	}
}

// Validate checks profile field constraints.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy profile: %w", err)
	}
	return nil
}

// AllowsInstanceType reports whether the profile permits an instance
// type. An empty allow-list permits everything.
func (p *Profile) AllowsInstanceType(instanceType string) bool {
	return allows(p.AllowedInstanceTypes, instanceType)
}

// AllowsResourceType reports whether the profile permits a resource
// type. An empty allow-list permits everything.
func (p *Profile) AllowsResourceType(resourceType string) bool {
	return allows(p.AllowedResourceTypes, resourceType)
}

func allows(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, allowed := range list {
		if allowed == v {
			return true
		}
	}
	return false
}
