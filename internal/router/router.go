package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/internal/audit"
	"github.com/haasonsaas/toolgate/internal/identity"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/ratelimit"
	"github.com/haasonsaas/toolgate/internal/roles"
	"github.com/haasonsaas/toolgate/internal/routing"
)

// Config configures the router core.
type Config struct {
	// DefaultRole is activated when identity resolution yields nothing
	// better.
	DefaultRole string `json:"defaultRole,omitempty" yaml:"defaultRole,omitempty"`

	// Routing configures strategy, breakers, and retries.
	Routing routing.EngineConfig `json:"routing,omitempty" yaml:"routing,omitempty"`

	// RateLimit configures per-role quotas.
	RateLimit ratelimit.Config `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`

	// AuditCapacity bounds the audit ring. Zero means the default.
	AuditCapacity int `json:"auditCapacity,omitempty" yaml:"auditCapacity,omitempty"`

	// InstructionTTL gates remote instruction refetches. Zero means 5m.
	InstructionTTL time.Duration `json:"instructionTTL,omitempty" yaml:"instructionTTL,omitempty"`
}

// VirtualTool is one row of the virtual tool table: a discovered
// upstream tool visible to the current role, or a synthetic router tool.
type VirtualTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// Server is the owning upstream; empty for router-injected tools.
	Server string `json:"-"`
}

// ToolsChangedFunc is invoked after the visible tool table changes.
type ToolsChangedFunc func(added, removed []string)

type cachedInstruction struct {
	text    string
	fetched time.Time
}

// Router wires identity, roles, the upstream pool, the strategy engine,
// rate limiting, and audit into one request path.
type Router struct {
	config Config
	logger *slog.Logger

	identity *identity.Resolver
	roles    *roles.Manager
	pool     *mcp.Pool
	engine   *routing.Engine
	auditLog *audit.Log
	limiter  *ratelimit.Limiter

	bus     *observability.Bus
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu              sync.RWMutex
	sessionID       string
	agent           identity.Resolution
	currentRole     string
	instruction     string
	visible         []VirtualTool
	candidates      map[string][]string
	activeServers   []string
	roleSwitchCount int
	lastRoleSwitch  time.Time
	instrCache      map[string]cachedInstruction

	toolsChangedMu sync.Mutex
	toolsChanged   ToolsChangedFunc

	now func() time.Time
}

// Deps are the collaborators a router is built from. Logger, bus,
// metrics, and tracer may be nil.
type Deps struct {
	Identity *identity.Resolver
	Roles    *roles.Manager
	Pool     *mcp.Pool
	Logger   *slog.Logger
	Bus      *observability.Bus
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// New creates a router core.
func New(config Config, deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.InstructionTTL <= 0 {
		config.InstructionTTL = 5 * time.Minute
	}

	return &Router{
		config:     config,
		logger:     logger.With("component", "router"),
		identity:   deps.Identity,
		roles:      deps.Roles,
		pool:       deps.Pool,
		engine:     routing.NewEngine(config.Routing, logger, deps.Bus, deps.Metrics),
		auditLog:   audit.NewLog(config.AuditCapacity, logger),
		limiter:    ratelimit.NewLimiter(config.RateLimit, logger, deps.Bus, deps.Metrics),
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		sessionID:  uuid.NewString(),
		candidates: make(map[string][]string),
		instrCache: make(map[string]cachedInstruction),
		now:        time.Now,
	}
}

// Audit exposes the audit log for query and export surfaces.
func (r *Router) Audit() *audit.Log {
	return r.auditLog
}

// Limiter exposes the rate limiter for status surfaces and the reaper.
func (r *Router) Limiter() *ratelimit.Limiter {
	return r.limiter
}

// Engine exposes the strategy engine for health reporting.
func (r *Router) Engine() *routing.Engine {
	return r.engine
}

// SessionID returns the gateway session id used for rate-limit keying.
func (r *Router) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// StartSession resolves the calling agent's identity and activates the
// resulting role. It is called once per client connection.
func (r *Router) StartSession(ctx context.Context, agent identity.AgentIdentity) (*AgentManifest, error) {
	resolution, err := r.identity.Resolve(agent)
	if err != nil {
		var unknown *identity.UnknownAgentError
		if errors.As(err, &unknown) {
			return nil, &GatewayError{
				Code:    CodeUnknownAgent,
				Message: err.Error(),
				Data:    map[string]any{"agent": unknown.Agent},
				cause:   err,
			}
		}
		return nil, Internal(err)
	}

	r.mu.Lock()
	r.agent = resolution
	r.sessionID = uuid.NewString()
	r.mu.Unlock()

	role := resolution.Role
	if !r.roles.HasRole(role) && r.config.DefaultRole != "" {
		role = r.config.DefaultRole
	}

	manifest, err := r.SetRole(ctx, SetRoleOptions{Role: role, IncludeDescriptions: true})
	if err != nil {
		return nil, err
	}
	r.logger.Info("session started",
		"agent", resolution.AgentName,
		"role", manifest.Role.ID,
		"trusted", resolution.Trusted)
	return manifest, nil
}

// StartServers starts every enabled upstream.
func (r *Router) StartServers(ctx context.Context) error {
	return r.pool.StartAll(ctx)
}

// StartServersForRole starts only the upstreams the role may reach.
func (r *Router) StartServersForRole(ctx context.Context, roleID string) error {
	if !r.roles.HasRole(roleID) {
		return RoleNotFound(roleID, r.roles.RoleIDs())
	}
	var names []string
	for _, name := range r.pool.Names() {
		cfg, ok := r.pool.Config(name)
		if !ok || cfg.Disabled {
			continue
		}
		if r.roles.IsServerAllowedForRole(roleID, name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return r.pool.StartByName(ctx, names...)
}

// StopServers shuts every upstream down.
func (r *Router) StopServers() error {
	return r.pool.StopAll()
}

// CurrentRole returns the active role id, empty before activation.
func (r *Router) CurrentRole() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentRole
}

// Instruction returns the active system instruction text.
func (r *Router) Instruction() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instruction
}

// VisibleTools returns the current virtual tool table.
func (r *Router) VisibleTools() []VirtualTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]VirtualTool(nil), r.visible...)
}

// SetToolsChangedCallback registers the hook invoked after the visible
// tool table changes. Only one callback is held; later calls replace it.
func (r *Router) SetToolsChangedCallback(cb ToolsChangedFunc) {
	r.toolsChangedMu.Lock()
	r.toolsChanged = cb
	r.toolsChangedMu.Unlock()
}

// ListRoles lists the role catalogue, marking the active role.
func (r *Router) ListRoles(opts roles.ListOptions) []roles.Summary {
	return r.roles.ListRoles(opts, r.CurrentRole())
}

// ReloadRoles swaps in a new skill manifest and rebuilds the visible
// tool table for the active role, firing the tools-changed hook on any
// difference.
func (r *Router) ReloadRoles(ctx context.Context, manifest *roles.Manifest) error {
	if err := r.roles.LoadFromManifest(manifest); err != nil {
		return err
	}

	r.mu.Lock()
	role := r.currentRole
	if role == "" || !r.roles.HasRole(role) {
		r.mu.Unlock()
		r.logger.Info("role catalogue reloaded", "roles", len(r.roles.RoleIDs()))
		return nil
	}
	previous := toolNameSet(r.visible)
	r.rebuildTableLocked(role)
	added, removed := diffToolSets(previous, toolNameSet(r.visible))
	r.mu.Unlock()

	r.logger.Info("role catalogue reloaded",
		"roles", len(r.roles.RoleIDs()), "added", len(added), "removed", len(removed))
	r.notifyToolsChanged(added, removed)
	return nil
}

// RouterState is a point-in-time operational snapshot.
type RouterState struct {
	SessionID       string                          `json:"sessionId"`
	CurrentRole     string                          `json:"currentRole,omitempty"`
	RoleSwitchCount int                             `json:"roleSwitchCount"`
	LastRoleSwitch  time.Time                       `json:"lastRoleSwitch,omitempty"`
	VisibleTools    int                             `json:"visibleTools"`
	ActiveServers   []string                        `json:"activeServers,omitempty"`
	Upstreams       []mcp.UpstreamStatus            `json:"upstreams"`
	Health          []routing.ServerHealth          `json:"health"`
	Breakers        map[string]routing.BreakerStats `json:"breakers,omitempty"`
}

// State snapshots the router for status surfaces.
func (r *Router) State() RouterState {
	r.mu.RLock()
	state := RouterState{
		SessionID:       r.sessionID,
		CurrentRole:     r.currentRole,
		RoleSwitchCount: r.roleSwitchCount,
		LastRoleSwitch:  r.lastRoleSwitch,
		VisibleTools:    len(r.visible),
		ActiveServers:   append([]string(nil), r.activeServers...),
	}
	r.mu.RUnlock()

	state.Upstreams = r.pool.ListUpstreams()
	state.Health = r.engine.HealthAll(r.pool.Names())
	state.Breakers = r.engine.Breakers().Stats()
	return state
}
