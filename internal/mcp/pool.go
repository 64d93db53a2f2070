package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/toolgate/internal/observability"
)

// Pool owns the upstream table and the live client per upstream. Upstreams
// are started lazily per role activation or eagerly via StartAll; the pool
// never restarts a crashed child on its own.
type Pool struct {
	mu      sync.RWMutex
	configs map[string]*UpstreamConfig
	order   []string
	clients map[string]*Client

	logger *slog.Logger
	bus    *observability.Bus
}

// NewPool creates an empty pool. Logger and bus may be nil.
func NewPool(logger *slog.Logger, bus *observability.Bus) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		configs: make(map[string]*UpstreamConfig),
		clients: make(map[string]*Client),
		logger:  logger.With("component", "pool"),
		bus:     bus,
	}
}

// AddServer registers an upstream configuration. Re-adding a name
// replaces its configuration but not a running client.
func (p *Pool) AddServer(cfg *UpstreamConfig) error {
	if cfg == nil || cfg.Name == "" {
		return fmt.Errorf("mcp: upstream name is required")
	}
	if cfg.Command == "" {
		return fmt.Errorf("mcp: upstream %q has no command", cfg.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.configs[cfg.Name]; !exists {
		p.order = append(p.order, cfg.Name)
	}
	p.configs[cfg.Name] = cfg
	return nil
}

// LoadFromConfig registers a whole upstream table, keyed by name. Names
// are registered in sorted order so repeated loads are deterministic.
func (p *Pool) LoadFromConfig(servers map[string]*UpstreamConfig) error {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := servers[name]
		if cfg == nil {
			continue
		}
		if cfg.Name == "" {
			cfg.Name = name
		}
		if err := p.AddServer(cfg); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts every enabled upstream. Failures are logged and do not
// stop the remaining upstreams.
func (p *Pool) StartAll(ctx context.Context) error {
	for _, name := range p.Names() {
		cfg, _ := p.Config(name)
		if cfg == nil || cfg.Disabled {
			continue
		}
		if err := p.Start(ctx, name); err != nil {
			p.logger.Error("upstream start failed", "upstream", name, "error", err)
		}
	}
	return nil
}

// StartByName starts the named upstreams, failing on unknown names.
func (p *Pool) StartByName(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		if _, ok := p.Config(name); !ok {
			errs = append(errs, fmt.Errorf("mcp: unknown upstream %q", name))
			continue
		}
		if err := p.Start(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("mcp: start %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Start launches one upstream and performs the session handshake. It is a
// no-op for an already-connected upstream.
func (p *Pool) Start(ctx context.Context, name string) error {
	cfg, ok := p.Config(name)
	if !ok {
		return fmt.Errorf("mcp: unknown upstream %q", name)
	}
	if cfg.Disabled {
		return fmt.Errorf("mcp: upstream %q is disabled", name)
	}

	p.mu.RLock()
	existing, connected := p.clients[name]
	p.mu.RUnlock()
	if connected && existing.Connected() {
		return nil
	}

	client := NewClient(cfg, p.logger)
	client.Transport().OnExit = func(err error) {
		p.logger.Warn("upstream exited", "upstream", name, "error", err)
		p.publish(observability.Event{
			Type:   observability.EventUpstreamExit,
			Server: name,
			Data:   errData(err),
		})
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.clients[name] = client
	p.mu.Unlock()

	go p.watchNotifications(name, client)

	p.publish(observability.Event{
		Type:   observability.EventUpstreamConnect,
		Server: name,
		Data:   map[string]any{"tools": len(client.Tools())},
	})
	return nil
}

// Attach registers an already-connected client, bypassing process spawn.
// This is how in-process upstreams (and tests) join the pool.
func (p *Pool) Attach(client *Client) error {
	if client == nil || client.Name() == "" {
		return fmt.Errorf("mcp: attach requires a named client")
	}
	if !client.Connected() {
		return fmt.Errorf("mcp: attach %s: %w", client.Name(), ErrNotConnected)
	}
	name := client.Name()

	p.mu.Lock()
	if _, exists := p.configs[name]; !exists {
		p.order = append(p.order, name)
		p.configs[name] = client.config
	}
	p.clients[name] = client
	p.mu.Unlock()

	go p.watchNotifications(name, client)

	p.publish(observability.Event{
		Type:   observability.EventUpstreamConnect,
		Server: name,
		Data:   map[string]any{"tools": len(client.Tools())},
	})
	return nil
}

// Stop shuts one upstream down.
func (p *Pool) Stop(name string) error {
	p.mu.Lock()
	client, exists := p.clients[name]
	delete(p.clients, name)
	p.mu.Unlock()

	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("mcp: stop %s: %w", name, err)
	}
	p.logger.Info("stopped upstream", "upstream", name)
	return nil
}

// StopAll shuts every running upstream down.
func (p *Pool) StopAll() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	for name, client := range clients {
		if err := client.Close(); err != nil {
			p.logger.Error("upstream close failed", "upstream", name, "error", err)
		}
	}
	return nil
}

// Client returns the live client for an upstream.
func (p *Pool) Client(name string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	client, ok := p.clients[name]
	return client, ok
}

// Config returns the registered configuration for an upstream.
func (p *Pool) Config(name string) (*UpstreamConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[name]
	return cfg, ok
}

// Names returns all registered upstream names in registration order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// ConnectedNames returns the names of upstreams that are currently up,
// in registration order.
func (p *Pool) ConnectedNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var names []string
	for _, name := range p.order {
		if client, ok := p.clients[name]; ok && client.Connected() {
			names = append(names, name)
		}
	}
	return names
}

// FindTool locates the upstream advertising a tool by its exact name.
func (p *Pool) FindTool(name string) (string, *Tool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, server := range p.order {
		client, ok := p.clients[server]
		if !ok {
			continue
		}
		for _, tool := range client.Tools() {
			if tool.Name == name {
				t := tool
				return server, &t, true
			}
		}
	}
	return "", nil, false
}

// RouteToServer forwards a raw request to a named upstream.
func (p *Pool) RouteToServer(ctx context.Context, server, method string, params json.RawMessage) (json.RawMessage, error) {
	client, ok := p.Client(server)
	if !ok || !client.Connected() {
		return nil, fmt.Errorf("mcp: upstream %q: %w", server, ErrNotConnected)
	}
	return client.Call(ctx, method, params)
}

// RouteRequest forwards a raw request to whichever upstream can serve it.
// tools/call requests go to the upstream advertising the named tool;
// other methods go to the first connected upstream.
func (p *Pool) RouteRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if method == "tools/call" {
		var call CallToolParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, fmt.Errorf("mcp: parse tools/call params: %w", err)
		}
		server, _, ok := p.FindTool(call.Name)
		if !ok {
			return nil, fmt.Errorf("mcp: no upstream serves tool %q", call.Name)
		}
		return p.RouteToServer(ctx, server, method, params)
	}

	for _, name := range p.ConnectedNames() {
		return p.RouteToServer(ctx, name, method, params)
	}
	return nil, ErrNotConnected
}

// ListUpstreams reports status for every registered upstream.
func (p *Pool) ListUpstreams() []UpstreamStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]UpstreamStatus, 0, len(p.order))
	for _, name := range p.order {
		cfg := p.configs[name]
		status := UpstreamStatus{Name: name, Disabled: cfg.Disabled}
		if client, ok := p.clients[name]; ok {
			status.Connected = client.Connected()
			status.PID = client.Transport().PID()
			status.Tools = len(client.Tools())
			status.Server = client.ServerInfo()
			status.LastActivity = client.LastActivity()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// watchNotifications forwards upstream notifications. A tool-list change
// triggers rediscovery before the change event is published so
// subscribers observe the new tool set.
func (p *Pool) watchNotifications(name string, client *Client) {
	for notif := range client.Notifications() {
		if notif.Method != "notifications/tools/list_changed" {
			continue
		}
		if err := client.RefreshTools(context.Background()); err != nil {
			p.logger.Warn("tool rediscovery failed", "upstream", name, "error", err)
			continue
		}
		p.publish(observability.Event{
			Type:   observability.EventToolsChanged,
			Server: name,
			Data:   map[string]any{"tools": len(client.Tools())},
		})
	}
}

func (p *Pool) publish(event observability.Event) {
	if p.bus != nil {
		p.bus.Publish(event)
	}
}

func errData(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"error": err.Error()}
}
