// Package roles derives the role catalogue from a skill manifest and
// answers server and tool access checks.
package roles

import (
	"time"

	"github.com/haasonsaas/toolgate/internal/identity"
)

// Wildcard grants access to every server or role.
const Wildcard = "*"

// System tools are injected by the router itself and pass every role's
// access check unconditionally.
const (
	ToolSetRole          = "set_role"
	ToolGetAgentManifest = "get_agent_manifest"
	ToolListRoles        = "list_roles"
)

// IsSystemTool reports whether name is one of the router's own tools.
func IsSystemTool(name string) bool {
	switch name {
	case ToolSetRole, ToolGetAgentManifest, ToolListRoles:
		return true
	}
	return false
}

// Skill is one entry of the skill manifest, the authoritative source for
// role derivation.
type Skill struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// AllowedRoles are the roles this skill contributes to. "*" contributes
	// to every role in the manifest.
	AllowedRoles []string `json:"allowedRoles,omitempty" yaml:"allowedRoles,omitempty"`

	// AllowedTools are tool-name glob patterns granted by this skill.
	AllowedTools []string `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`

	// Identity optionally contributes skill-matching rules and trusted
	// prefixes to the identity resolver.
	Identity *identity.SkillIdentity `json:"identityConfig,omitempty" yaml:"identityConfig,omitempty"`

	// Grants are optional capability grants carried through untouched.
	Grants map[string]any `json:"grants,omitempty" yaml:"grants,omitempty"`
}

// Manifest is a versioned collection of skills.
type Manifest struct {
	Version     string    `json:"version" yaml:"version"`
	GeneratedAt time.Time `json:"generatedAt,omitempty" yaml:"generatedAt,omitempty"`
	Skills      []Skill   `json:"skills" yaml:"skills"`
}

// ToolPermissions hold per-role allow/deny sets and glob patterns.
// Evaluation order is fixed: explicit deny, deny patterns, explicit
// allow, allow patterns. Once any allow scope is declared, tools matching
// nothing are denied.
type ToolPermissions struct {
	Allow         []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny          []string `json:"deny,omitempty" yaml:"deny,omitempty"`
	AllowPatterns []string `json:"allowPatterns,omitempty" yaml:"allowPatterns,omitempty"`
	DenyPatterns  []string `json:"denyPatterns,omitempty" yaml:"denyPatterns,omitempty"`
}

// Declared reports whether any allow scope is declared, switching the
// role to default-deny semantics.
func (p *ToolPermissions) Declared() bool {
	return p != nil && (len(p.Allow) > 0 || len(p.AllowPatterns) > 0)
}

// Metadata carries role bookkeeping.
type Metadata struct {
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Active   bool     `json:"active" yaml:"active"`

	// Skills are the skill ids that contributed to a derived role.
	Skills []string `json:"skills,omitempty" yaml:"skills,omitempty"`
}

// Role is a named access bundle: permitted upstreams and tools plus a
// system instruction body.
type Role struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// AllowedServers lists permitted upstream names; may contain "*".
	// Non-empty unless wildcard.
	AllowedServers []string `json:"allowedServers,omitempty" yaml:"allowedServers,omitempty"`

	// Instruction is the system instruction text for this role.
	Instruction string `json:"instruction,omitempty" yaml:"instruction,omitempty"`

	// RemoteInstruction optionally names an upstream prompt to fetch the
	// instruction from, with a local fallback on failure.
	RemoteInstruction *RemoteInstruction `json:"remoteInstruction,omitempty" yaml:"remoteInstruction,omitempty"`

	// Permissions are the per-tool allow/deny rules.
	Permissions *ToolPermissions `json:"toolPermissions,omitempty" yaml:"toolPermissions,omitempty"`

	Metadata Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RemoteInstruction names a prompt served by an upstream. The router
// fetches it through the pool with a TTL-gated cache and falls back to
// Fallback text when the fetch fails.
type RemoteInstruction struct {
	Server   string `json:"server" yaml:"server"`
	Prompt   string `json:"prompt" yaml:"prompt"`
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// AllowsServer reports whether the role may reach the named upstream.
func (r *Role) AllowsServer(server string) bool {
	for _, s := range r.AllowedServers {
		if s == Wildcard || s == server {
			return true
		}
	}
	return false
}

// ListOptions filter ListRoles output.
type ListOptions struct {
	// IncludeInactive lists roles whose metadata marks them inactive.
	IncludeInactive bool

	// IncludeInstructions carries the instruction body in summaries.
	IncludeInstructions bool
}

// Summary is one row of a ListRoles response.
type Summary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Servers     []string `json:"servers,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	Current     bool     `json:"current,omitempty"`
}
