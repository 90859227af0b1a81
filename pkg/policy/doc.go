// Package policy enforces per-tenant limits on proposed deployments.
//
// # Overview
//
// Every tenant carries a Profile: a budget ceiling, an instance-count
// ceiling, a disk-size ceiling, optional allow-lists for instance and
// resource types, an approval-required flag, and a preferred engine
// variant. Tenants without an explicit profile get DefaultProfile, whose
// values are permissive so the out-of-the-box experience is unrestricted.
//
// The Enforcer runs a fixed, ordered set of built-in checks against a
// profile. The order is deterministic and the first failing check
// short-circuits, so a request violating several limits always reports
// the same violation across repeated calls:
//
//  1. budget: estimated cost must not exceed the budget ceiling
//  2. instance count: current plus requested stays under the ceiling
//  3. disk: requested disk must not exceed the disk ceiling
//  4. instance types: members of the allow-list, when one is set
//  5. resource types: members of the allow-list, when one is set
//
// # Rego Extensions
//
// Beyond the built-ins, operators may drop Rego rule files into a watched
// directory, and a profile may embed tenant-specific Rego. Rules are
// evaluated only after all built-in checks pass; each message in their
// deny set is appended to the violation list. Rule files are hot-reloaded
// on change via fsnotify.
//
// Example rule:
//
//	package groundcrew.rules.region
//
//	deny contains msg if {
//		some r in input.resources
//		r.attributes.region == "mars-east-1"
//		msg := sprintf("region not available for %s", [r.name])
//	}
package policy
