package roles

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// allRolesBucket accumulates contributions from skills whose allowedRoles
// contain the wildcard. It is folded into every concrete role and dropped.
const allRolesBucket = "__all__"

// Manager owns the role catalogue and answers access-check queries.
// The catalogue is replaced atomically on each manifest load.
type Manager struct {
	mu      sync.RWMutex
	roles   map[string]*Role
	order   []string
	version string
	logger  *slog.Logger
}

// NewManager creates an empty role manager. The logger may be nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		roles:  make(map[string]*Role),
		logger: logger.With("component", "roles"),
	}
}

// LoadFromManifest derives the role catalogue from a skill manifest,
// replacing the previous catalogue atomically. Loading the same manifest
// twice yields an identical catalogue.
func (m *Manager) LoadFromManifest(manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("roles: nil manifest")
	}

	type accum struct {
		skills    []string
		skillSeen map[string]bool
		tools     []string
		toolSeen  map[string]bool
	}
	buckets := make(map[string]*accum)
	var order []string

	bucket := func(role string) *accum {
		if b, ok := buckets[role]; ok {
			return b
		}
		b := &accum{skillSeen: make(map[string]bool), toolSeen: make(map[string]bool)}
		buckets[role] = b
		if role != allRolesBucket {
			order = append(order, role)
		}
		return b
	}

	for _, skill := range manifest.Skills {
		for _, roleID := range skill.AllowedRoles {
			target := roleID
			if roleID == Wildcard {
				target = allRolesBucket
			}
			b := bucket(target)
			if skill.ID != "" && !b.skillSeen[skill.ID] {
				b.skillSeen[skill.ID] = true
				b.skills = append(b.skills, skill.ID)
			}
			for _, pattern := range skill.AllowedTools {
				if pattern != "" && !b.toolSeen[pattern] {
					b.toolSeen[pattern] = true
					b.tools = append(b.tools, pattern)
				}
			}
		}
	}

	// Wildcard skills contribute to every concrete role.
	if all, ok := buckets[allRolesBucket]; ok {
		for role, b := range buckets {
			if role == allRolesBucket {
				continue
			}
			for _, id := range all.skills {
				if !b.skillSeen[id] {
					b.skillSeen[id] = true
					b.skills = append(b.skills, id)
				}
			}
			for _, pattern := range all.tools {
				if !b.toolSeen[pattern] {
					b.toolSeen[pattern] = true
					b.tools = append(b.tools, pattern)
				}
			}
		}
		delete(buckets, allRolesBucket)
	}

	catalogue := make(map[string]*Role, len(buckets))
	for _, roleID := range order {
		b := buckets[roleID]
		role := &Role{
			ID:             roleID,
			Name:           roleID,
			Description:    fmt.Sprintf("Role derived from %d skill(s)", len(b.skills)),
			AllowedServers: serversFromPatterns(b.tools),
			Instruction:    synthesizeInstruction(roleID, b.skills),
			Permissions:    &ToolPermissions{AllowPatterns: append([]string(nil), b.tools...)},
			Metadata: Metadata{
				Tags:   []string{"dynamic", "skill-driven"},
				Active: true,
				Skills: append([]string(nil), b.skills...),
			},
		}
		catalogue[roleID] = role
	}

	m.mu.Lock()
	m.roles = catalogue
	m.order = order
	m.version = manifest.Version
	m.mu.Unlock()

	m.logger.Info("loaded role catalogue",
		"version", manifest.Version,
		"skills", len(manifest.Skills),
		"roles", len(catalogue))
	return nil
}

// serversFromPatterns derives the permitted server set from tool patterns.
// A pattern "mcp__plugin_<p>_<server>__<tool>" contributes <server>; a
// plain "<server>__<tool>" contributes <server>; anything else is skipped.
func serversFromPatterns(patterns []string) []string {
	var servers []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		server := serverFromPattern(pattern)
		if server == "" || seen[server] {
			continue
		}
		seen[server] = true
		servers = append(servers, server)
	}
	return servers
}

// serverFromPattern extracts the upstream name from one tool pattern.
func serverFromPattern(pattern string) string {
	if rest, ok := strings.CutPrefix(pattern, "mcp__plugin_"); ok {
		head, _, ok := strings.Cut(rest, "__")
		if !ok {
			return ""
		}
		// head is "<p>_<server>".
		_, server, ok := strings.Cut(head, "_")
		if !ok {
			return ""
		}
		return server
	}
	server, _, ok := strings.Cut(pattern, "__")
	if !ok || server == "" || strings.ContainsAny(server, "*?") {
		return ""
	}
	return server
}

// synthesizeInstruction builds the system instruction text for a derived role.
func synthesizeInstruction(roleID string, skills []string) string {
	if len(skills) == 0 {
		return fmt.Sprintf("You are operating under the %q role.", roleID)
	}
	sorted := append([]string(nil), skills...)
	sort.Strings(sorted)
	return fmt.Sprintf("You are operating under the %q role. Available skills: %s.",
		roleID, strings.Join(sorted, ", "))
}

// SetRole inserts or replaces a role directly, bypassing manifest
// derivation. Used for statically configured roles.
func (m *Manager) SetRole(role *Role) error {
	if role == nil || role.ID == "" {
		return fmt.Errorf("roles: role id is required")
	}
	if len(role.AllowedServers) == 0 {
		return fmt.Errorf("roles: role %q needs allowedServers or the wildcard", role.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roles[role.ID]; !exists {
		m.order = append(m.order, role.ID)
	}
	m.roles[role.ID] = role
	return nil
}

// GetRole returns the role with the given id.
func (m *Manager) GetRole(id string) (*Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	return role, ok
}

// HasRole reports whether a role exists.
func (m *Manager) HasRole(id string) bool {
	_, ok := m.GetRole(id)
	return ok
}

// RoleIDs returns role ids in catalogue order.
func (m *Manager) RoleIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Version returns the manifest version the catalogue was derived from.
func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// ListRoles returns role summaries, marking the current role.
func (m *Manager) ListRoles(opts ListOptions, currentRoleID string) []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		role := m.roles[id]
		if !role.Metadata.Active && !opts.IncludeInactive {
			continue
		}
		s := Summary{
			ID:          role.ID,
			Name:        role.Name,
			Description: role.Description,
			Servers:     append([]string(nil), role.AllowedServers...),
			Skills:      append([]string(nil), role.Metadata.Skills...),
			Current:     role.ID == currentRoleID,
		}
		if opts.IncludeInstructions {
			s.Instruction = role.Instruction
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// SkillsForRole returns the skill ids that contributed to a role.
func (m *Manager) SkillsForRole(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok {
		return nil
	}
	return append([]string(nil), role.Metadata.Skills...)
}

// IsServerAllowedForRole reports whether the role may reach the upstream.
func (m *Manager) IsServerAllowedForRole(roleID, server string) bool {
	role, ok := m.GetRole(roleID)
	if !ok {
		return false
	}
	return role.AllowsServer(server)
}

// IsToolAllowedForRole checks whether the role may call tool on server.
//
// System tools always pass. Otherwise the server must be permitted, then
// tool permissions apply in fixed order: explicit deny, deny patterns,
// explicit allow, allow patterns. Once any allow scope is declared, a
// tool matching nothing is denied; with no allow scope, anything not
// denied is allowed.
func (m *Manager) IsToolAllowedForRole(roleID, tool, server string) bool {
	if IsSystemTool(tool) {
		return true
	}

	role, ok := m.GetRole(roleID)
	if !ok {
		return false
	}
	if !role.AllowsServer(server) {
		return false
	}

	perms := role.Permissions
	if perms == nil {
		return true
	}

	names := toolNames(tool, server)

	for _, deny := range perms.Deny {
		if names[deny] {
			return false
		}
	}
	for _, pattern := range perms.DenyPatterns {
		for name := range names {
			if Match(pattern, name) {
				return false
			}
		}
	}
	for _, allow := range perms.Allow {
		if names[allow] {
			return true
		}
	}
	for _, pattern := range perms.AllowPatterns {
		for name := range names {
			if Match(pattern, name) {
				return true
			}
		}
	}

	return !perms.Declared()
}

// toolNames returns the candidate names a permission entry may refer to:
// the name as called and, when unprefixed, its canonical prefixed form.
func toolNames(tool, server string) map[string]bool {
	names := map[string]bool{tool: true}
	if server != "" && !strings.Contains(tool, "__") {
		names[server+"__"+tool] = true
	}
	return names
}
