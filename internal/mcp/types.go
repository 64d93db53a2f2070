// Package mcp runs upstream tool servers as child processes and speaks
// line-delimited JSON-RPC 2.0 with them over stdio.
package mcp

import (
	"encoding/json"
	"fmt"
	"time"
)

// protocolVersion is the MCP protocol revision offered during the
// initialize handshake.
const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// UpstreamConfig describes one upstream tool server process.
type UpstreamConfig struct {
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir string            `json:"workDir,omitempty" yaml:"workDir,omitempty"`

	// Disabled keeps the upstream in the table without starting it.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Timeout bounds a single request round-trip. Zero means 30s.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no id, no reply).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is the error member of a JSON-RPC response.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Tool is one tool advertised by an upstream.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo identifies an upstream server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the upstream's reply to the initialize request.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ListToolsResult is the reply to tools/list. Large tool sets page
// through Cursor.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one block of tool output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the reply to tools/call. IsError marks a tool-level
// failure carried inside a successful JSON-RPC response.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// PromptMessage is one message of a prompt body.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// GetPromptResult is the reply to prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Text concatenates the text of all prompt messages.
func (r *GetPromptResult) Text() string {
	var out string
	for _, msg := range r.Messages {
		if msg.Content.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += msg.Content.Text
	}
	return out
}

// UpstreamStatus is one row of a pool status report.
type UpstreamStatus struct {
	Name         string     `json:"name"`
	Connected    bool       `json:"connected"`
	Disabled     bool       `json:"disabled,omitempty"`
	PID          int        `json:"pid,omitempty"`
	Tools        int        `json:"tools"`
	Server       ServerInfo `json:"server,omitempty"`
	LastActivity time.Time  `json:"lastActivity,omitempty"`
}
