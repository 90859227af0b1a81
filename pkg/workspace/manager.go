// Package workspace computes isolated working directories and remote-state
// addresses per (tenant, project) pair. The layout is a pure function of
// its inputs: two tenants using an identical project name always receive
// byte-different paths and state keys, and the raw project reference never
// appears on disk, only its one-way digest.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// digestLen is the number of hex characters kept from a segment digest.
const digestLen = 16

// Layout describes the isolated storage locations for one (tenant, project).
type Layout struct {
	// Dir is the local working directory for engine executions.
	Dir string

	// StateKey is the remote-state backend address prefix.
	StateKey string

	// TenantSegment is the sanitized, digest-suffixed tenant path component.
	TenantSegment string

	// ProjectSegment is the digest-only project path component.
	ProjectSegment string
}

// Manager computes tenant-isolated workspace layouts under a base directory.
type Manager struct {
	baseDir string
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Layout computes the deterministic layout for a (tenant, project) pair.
// Domain-separated digests keep ("ab","c") and ("a","bc") from colliding.
func (m *Manager) Layout(tenantID, projectRef string) Layout {
	tenantSeg := sanitize(tenantID) + "-" + segmentDigest("tenant", tenantID)
	// The project reference is sensitive: only its digest may appear in a
	// path or state key.
	projectSeg := segmentDigest("project", tenantID+"\x00"+projectRef)

	return Layout{
		Dir:            filepath.Join(m.baseDir, tenantSeg, projectSeg),
		StateKey:       fmt.Sprintf("tenants/%s/%s/terraform.tfstate", tenantSeg, projectSeg),
		TenantSegment:  tenantSeg,
		ProjectSegment: projectSeg,
	}
}

// Ensure creates the working directory for a layout. It is the only side
// effect this package performs.
func (m *Manager) Ensure(l Layout) error {
	if err := os.MkdirAll(l.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return nil
}

// ProjectDigest returns the digest used for a project reference in session
// records, identical to the layout's project segment.
func ProjectDigest(tenantID, projectRef string) string {
	return segmentDigest("project", tenantID+"\x00"+projectRef)
}

// segmentDigest computes a short domain-separated SHA-256 digest.
func segmentDigest(domain, value string) string {
	sum := sha256.Sum256([]byte(domain + ":" + value))
	return hex.EncodeToString(sum[:])[:digestLen]
}

// sanitize reduces a tenant identifier to a safe path component. The
// digest suffix preserves uniqueness when sanitization collides.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = out[:32]
	}
	if out == "" {
		out = "tenant"
	}
	return out
}
