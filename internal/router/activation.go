package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/roles"
)

// SetRoleOptions parameterize a role activation.
type SetRoleOptions struct {
	// Role is the role id to activate.
	Role string

	// IncludeDescriptions carries tool descriptions in the manifest.
	IncludeDescriptions bool
}

// RoleDescriptor identifies the active role in an agent manifest.
type RoleDescriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

// AgentManifest is the activation result handed back to the agent: who
// it now is, what it must obey, and what it can call.
type AgentManifest struct {
	Role          RoleDescriptor `json:"role"`
	Instruction   string         `json:"instruction,omitempty"`
	Tools         []VirtualTool  `json:"tools"`
	ActiveServers []string       `json:"activeServers,omitempty"`
	GeneratedAt   time.Time      `json:"generatedAt"`
	ToolCount     int            `json:"toolCount"`
	ServerCount   int            `json:"serverCount"`
	ToolsChanged  bool           `json:"toolsChanged"`
}

// SetRole activates a role: it resolves the role's instruction, rebuilds
// the virtual tool table against the currently connected upstreams, and
// reports the difference to the registered tools-changed hook. Switching
// to the already-active role is a full re-activation, which picks up
// upstreams that connected since.
func (r *Router) SetRole(ctx context.Context, opts SetRoleOptions) (*AgentManifest, error) {
	role, ok := r.roles.GetRole(opts.Role)
	if !ok {
		return nil, RoleNotFound(opts.Role, r.roles.RoleIDs())
	}

	// Instruction resolution may call an upstream, so it happens before
	// the state lock is taken.
	instruction := r.resolveInstruction(ctx, role)

	r.mu.Lock()
	previous := toolNameSet(r.visible)

	r.currentRole = role.ID
	r.instruction = instruction
	r.roleSwitchCount++
	r.lastRoleSwitch = r.now()

	r.rebuildTableLocked(role.ID)
	added, removed := diffToolSets(previous, toolNameSet(r.visible))

	manifest := &AgentManifest{
		Role: RoleDescriptor{
			ID:          role.ID,
			Name:        role.Name,
			Description: role.Description,
			Skills:      append([]string(nil), role.Metadata.Skills...),
		},
		Instruction:   instruction,
		Tools:         append([]VirtualTool(nil), r.visible...),
		ActiveServers: append([]string(nil), r.activeServers...),
		GeneratedAt:   r.lastRoleSwitch,
		ToolCount:     len(r.visible),
		ServerCount:   len(r.activeServers),
		ToolsChanged:  len(added) > 0 || len(removed) > 0,
	}
	r.mu.Unlock()

	if !opts.IncludeDescriptions {
		for i := range manifest.Tools {
			manifest.Tools[i].Description = ""
		}
	}

	if r.metrics != nil {
		r.metrics.RoleSwitches.WithLabelValues(role.ID).Inc()
		r.metrics.VisibleTools.Set(float64(manifest.ToolCount))
	}
	r.logger.Info("role activated",
		"role", role.ID,
		"tools", manifest.ToolCount,
		"servers", manifest.ServerCount,
		"added", len(added),
		"removed", len(removed))

	r.notifyToolsChanged(added, removed)
	return manifest, nil
}

// resolveInstruction returns the instruction text for a role. Remote
// instructions are fetched through the pool with a TTL-gated cache; a
// failed fetch falls back to the configured fallback text, and with no
// fallback the previously cached text is kept.
func (r *Router) resolveInstruction(ctx context.Context, role *roles.Role) string {
	remote := role.RemoteInstruction
	if remote == nil {
		return role.Instruction
	}

	r.mu.RLock()
	cached, ok := r.instrCache[role.ID]
	r.mu.RUnlock()
	if ok && r.now().Sub(cached.fetched) < r.config.InstructionTTL {
		return cached.text
	}

	text, err := r.fetchRemoteInstruction(ctx, remote)
	if err != nil {
		r.logger.Warn("remote instruction fetch failed",
			"role", role.ID, "server", remote.Server, "prompt", remote.Prompt, "error", err)
		if remote.Fallback != "" {
			return remote.Fallback
		}
		if ok {
			return cached.text
		}
		return role.Instruction
	}

	r.mu.Lock()
	r.instrCache[role.ID] = cachedInstruction{text: text, fetched: r.now()}
	r.mu.Unlock()
	return text
}

func (r *Router) fetchRemoteInstruction(ctx context.Context, remote *roles.RemoteInstruction) (string, error) {
	client, ok := r.pool.Client(remote.Server)
	if !ok {
		return "", fmt.Errorf("server %q is not connected", remote.Server)
	}
	result, err := client.GetPrompt(ctx, remote.Prompt, nil)
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}

// rebuildTableLocked recomputes activeServers, the visible tool table,
// and the per-tool candidate map for a role. Caller holds r.mu.
func (r *Router) rebuildTableLocked(roleID string) {
	var active []string
	for _, name := range r.pool.ConnectedNames() {
		if r.roles.IsServerAllowedForRole(roleID, name) {
			active = append(active, name)
		}
	}
	sort.Strings(active)
	r.activeServers = active

	visible := syntheticTools()
	candidates := make(map[string][]string)
	seen := make(map[string]bool, len(visible))
	for _, t := range visible {
		seen[t.Name] = true
	}

	for _, server := range active {
		client, ok := r.pool.Client(server)
		if !ok {
			continue
		}
		for _, tool := range client.Tools() {
			if !r.roles.IsToolAllowedForRole(roleID, tool.Name, server) {
				continue
			}
			candidates[tool.Name] = append(candidates[tool.Name], server)
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			visible = append(visible, VirtualTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				Server:      server,
			})
		}
	}

	r.visible = visible
	r.candidates = candidates
}

// syntheticTools returns the router's own tools, present on every table.
func syntheticTools() []VirtualTool {
	return []VirtualTool{
		{
			Name:        roles.ToolSetRole,
			Description: "Switch the session to a different role and receive the updated manifest.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"role":{"type":"string","description":"Role id to activate"}},"required":["role"]}`),
		},
		{
			Name:        roles.ToolGetAgentManifest,
			Description: "Return the manifest for the currently active role without switching.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        roles.ToolListRoles,
			Description: "List the roles available to this session.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"includeInstructions":{"type":"boolean"}}}`),
		},
	}
}

// Manifest builds the current role's manifest without switching roles.
func (r *Router) Manifest() (*AgentManifest, error) {
	r.mu.RLock()
	role := r.currentRole
	r.mu.RUnlock()
	if role == "" {
		return nil, RoleNotFound("", r.roles.RoleIDs())
	}

	descriptor, _ := r.roles.GetRole(role)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return &AgentManifest{
		Role: RoleDescriptor{
			ID:          descriptor.ID,
			Name:        descriptor.Name,
			Description: descriptor.Description,
			Skills:      append([]string(nil), descriptor.Metadata.Skills...),
		},
		Instruction:   r.instruction,
		Tools:         append([]VirtualTool(nil), r.visible...),
		ActiveServers: append([]string(nil), r.activeServers...),
		GeneratedAt:   r.now(),
		ToolCount:     len(r.visible),
		ServerCount:   len(r.activeServers),
	}, nil
}

func toolNameSet(tools []VirtualTool) map[string]bool {
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t.Name] = true
	}
	return set
}

// diffToolSets returns sorted added and removed tool names.
func diffToolSets(previous, current map[string]bool) (added, removed []string) {
	for name := range current {
		if !previous[name] {
			added = append(added, name)
		}
	}
	for name := range previous {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// notifyToolsChanged invokes the registered hook when the table changed.
// Hook failures are contained; a panicking subscriber never propagates
// into the activation path.
func (r *Router) notifyToolsChanged(added, removed []string) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	if r.bus != nil {
		r.bus.Publish(observability.Event{
			Type: observability.EventToolsChanged,
			Role: r.CurrentRole(),
			Data: map[string]any{"added": added, "removed": removed},
		})
	}

	r.toolsChangedMu.Lock()
	cb := r.toolsChanged
	r.toolsChangedMu.Unlock()
	if cb == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tools-changed callback panic", "panic", rec)
		}
	}()
	cb(added, removed)
}
