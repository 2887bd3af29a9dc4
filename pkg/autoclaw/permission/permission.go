// Package permission implements capability grants for AutoClaw. A grant
// authorizes a user to perform named actions on a resource within a scope
// (e.g. an allow-list of paths). Checks always read current database state
// so a concurrent revoke takes effect before the next mutating step.
package permission

import (
	"errors"
	"path"
	"strings"
	"time"
)

// Sentinel errors returned by the manager.
var (
	// ErrNotFound indicates an unknown permission or request ID.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates a capability check failed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRequestClosed indicates a respond call on an already-resolved request.
	ErrRequestClosed = errors.New("permission request already resolved")
)

// Request status values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Trust levels derived from account verification and grant state.
const (
	TrustLow    = "low"    // no verified linked account
	TrustMedium = "medium" // verified, no privileged grants
	TrustHigh   = "high"   // verified with privileged resource grants
)

// Scope constrains a grant. An empty scope places no restriction.
type Scope struct {
	// AllowedPaths restricts file actions to paths at or beneath these
	// entries. Empty means any path.
	AllowedPaths []string `json:"allowedPaths,omitempty"`
}

// CheckScope describes the concrete target of a capability check.
type CheckScope struct {
	// Path is the file path being accessed, if the action targets a file.
	Path string `json:"path,omitempty"`
}

// Covers reports whether the grant scope allows the requested target.
func (s Scope) Covers(target CheckScope) bool {
	if len(s.AllowedPaths) == 0 {
		return true
	}
	if target.Path == "" {
		// A path-restricted grant never covers a path-less request:
		// the caller could otherwise bypass the allow-list entirely.
		return false
	}
	return pathAllowed(s.AllowedPaths, target.Path)
}

// CoversAll reports whether every path is allowed by the scope.
func (s Scope) CoversAll(paths []string) bool {
	for _, p := range paths {
		if !s.Covers(CheckScope{Path: p}) {
			return false
		}
	}
	return true
}

// pathAllowed reports whether target equals or lies beneath any allowed path.
func pathAllowed(allowed []string, target string) bool {
	cleaned := path.Clean(target)
	for _, a := range allowed {
		base := path.Clean(a)
		if cleaned == base || strings.HasPrefix(cleaned, base+"/") {
			return true
		}
	}
	return false
}

// Permission is an active or historical capability grant. Immutable once
// granted except for RevokedAt, which is set at most once.
type Permission struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Resource  string     `json:"resource"`
	Actions   []string   `json:"actions"`
	Scope     Scope      `json:"scope"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the grant is usable at the given instant.
func (p *Permission) Active(now time.Time) bool {
	if p.RevokedAt != nil {
		return false
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	return true
}

// Allows reports whether this grant covers the action and target. The
// caller is responsible for checking Active first.
func (p *Permission) Allows(action string, target CheckScope) bool {
	for _, a := range p.Actions {
		if a == action {
			return p.Scope.Covers(target)
		}
	}
	return false
}

// Request is a pending or resolved ask for a capability the user lacks.
type Request struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Resource            string     `json:"resource"`
	Actions             []string   `json:"actions"`
	Scope               Scope      `json:"scope"`
	Reason              string     `json:"reason"`
	Status              string     `json:"status"`
	RequestedAt         time.Time  `json:"requested_at"`
	RespondedAt         *time.Time `json:"responded_at,omitempty"`
	GrantedPermissionID string     `json:"granted_permission_id,omitempty"`
}

// LinkedAccount ties a user to a platform identity. Verification state
// feeds the trust level computation.
type LinkedAccount struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform"`
	PlatformID string    `json:"platform_id"`
	Verified   bool      `json:"verified"`
	LinkedAt   time.Time `json:"linked_at"`
}

// TrustPolicy configures how trust levels are derived. Thresholds live
// here rather than in code so deployments can tune them.
type TrustPolicy struct {
	// PrivilegedResources are resources whose active grants lift a
	// verified user from medium to high trust.
	PrivilegedResources []string `yaml:"privileged_resources"`
}

// DefaultTrustPolicy treats file writes and rule management as privileged.
func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{
		PrivilegedResources: []string{"files", "rules", "system"},
	}
}

// Privileged reports whether the resource is in the policy's privileged set.
func (tp TrustPolicy) Privileged(resource string) bool {
	for _, r := range tp.PrivilegedResources {
		if r == resource {
			return true
		}
	}
	return false
}
