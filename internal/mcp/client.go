package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client wraps a Transport with the MCP session protocol: the initialize
// handshake, cached tool discovery, and typed call helpers.
type Client struct {
	config    *UpstreamConfig
	transport *Transport
	logger    *slog.Logger

	mu           sync.RWMutex
	tools        []Tool
	serverInfo   ServerInfo
	lastActivity time.Time
}

// NewClient creates a client for one upstream. The logger may be nil.
func NewClient(cfg *UpstreamConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg, logger),
		logger:    logger.With("upstream", cfg.Name),
	}
}

// Transport exposes the underlying transport, mainly for exit hooks.
func (c *Client) Transport() *Transport {
	return c.transport
}

// Name returns the upstream name.
func (c *Client) Name() string {
	return c.config.Name
}

// Connect starts the upstream if needed, performs the initialize
// handshake, and discovers the tool set.
func (c *Client) Connect(ctx context.Context) error {
	if !c.transport.Connected() {
		if err := c.transport.Connect(ctx); err != nil {
			return fmt.Errorf("transport connect: %w", err)
		}
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolgate",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.logger.Info("upstream initialized",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("tool discovery failed", "error", err)
	}
	return nil
}

// Close shuts the upstream down.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports whether the upstream is up.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ServerInfo returns the upstream's self-reported identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// LastActivity returns the time of the last request round-trip.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Notifications returns the channel of upstream-initiated notifications.
func (c *Client) Notifications() <-chan *JSONRPCNotification {
	return c.transport.Events()
}

// RefreshTools re-runs tools/list, following the pagination cursor, and
// replaces the cached tool set.
func (c *Client) RefreshTools(ctx context.Context) error {
	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		var page ListToolsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return fmt.Errorf("parse tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.logger.Debug("refreshed tools", "count", len(tools))
	return nil
}

// Tools returns a copy of the cached tool set.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

// HasTool reports whether the upstream advertises a tool by that name.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// CallTool invokes one tool on the upstream.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = data
	}

	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &callResult, nil
}

// GetPrompt fetches a prompt body from the upstream.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	result, err := c.call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}

	var promptResult GetPromptResult
	if err := json.Unmarshal(result, &promptResult); err != nil {
		return nil, fmt.Errorf("parse prompt result: %w", err)
	}
	return &promptResult, nil
}

// Call forwards an arbitrary method with raw parameters. The router uses
// this to pass requests through without reshaping them.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	var p any
	if len(params) > 0 {
		p = params
	}
	return c.call(ctx, method, p)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	result, err := c.transport.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return result, nil
}
