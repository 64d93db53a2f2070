// Package server speaks the client-facing side of the gateway:
// line-delimited JSON-RPC 2.0 over standard streams, dispatching into
// the router core.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/haasonsaas/toolgate/internal/identity"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/router"
)

const (
	protocolVersion = "2024-11-05"
	maxLineBytes    = 10 << 20
)

// Config identifies the gateway toward connecting agents.
type Config struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Server serves one agent connection over a stream pair. Responses are
// written under a single mutex so concurrent notification delivery can
// never interleave with a response line.
type Server struct {
	config Config
	router *router.Router
	logger *slog.Logger

	reader io.Reader
	writer io.Writer

	writeMu sync.Mutex

	// stateMu guards the notification queue. A tools-changed signal
	// raised while a request is being handled is held back until that
	// request's response has been written.
	stateMu     sync.Mutex
	handling    bool
	pendingNote bool

	initialized bool
}

// New creates a server bound to stdin/stdout. The logger may be nil.
func New(config Config, rt *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Name == "" {
		config.Name = "toolgate"
	}
	return &Server{
		config: config,
		router: rt,
		logger: logger.With("component", "server"),
		reader: os.Stdin,
		writer: os.Stdout,
	}
}

// SetStreams overrides the transport streams. Must be called before Serve.
func (s *Server) SetStreams(r io.Reader, w io.Writer) {
	s.reader = r
	s.writer = w
}

// Serve reads requests until the stream closes or ctx is cancelled. The
// router's tools-changed signal is forwarded as a
// notifications/tools/list_changed notification, delivered strictly
// after the response that caused it.
func (s *Server) Serve(ctx context.Context) error {
	s.router.SetToolsChangedCallback(func(added, removed []string) {
		s.signalToolsChanged()
	})

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("server: read: %w", err)
	}
	return nil
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(nil, mcp.ErrCodeParse, "parse error", nil)
		return
	}

	s.beginHandling()
	s.dispatch(ctx, &req)
	s.finishHandling()
}

// dispatch routes one request. Notifications produce no response.
func (s *Server) dispatch(ctx context.Context, req *mcp.JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(ctx, req)
	case "notifications/initialized":
		s.stateMu.Lock()
		s.initialized = true
		s.stateMu.Unlock()
	case "notifications/cancelled":
		// The in-flight request keeps its own context; nothing to do.
	case "":
		if req.ID != nil {
			s.writeError(req.ID, mcp.ErrCodeInvalidRequest, "missing method", nil)
		}
	default:
		if req.ID == nil {
			s.logger.Debug("ignoring notification", "method", req.Method)
			return
		}
		raw, err := s.router.RouteRequest(ctx, req.Method, req.Params)
		if err != nil {
			s.writeRouteError(req.ID, err)
			return
		}
		s.writeResult(req.ID, json.RawMessage(raw))
	}
}

// initializeParams is the north-bound handshake: the agent identifies
// itself and declares its skills for identity resolution.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	Capabilities json.RawMessage             `json:"capabilities,omitempty"`
	Skills       []identity.SkillDeclaration `json:"skills,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      mcp.ServerInfo `json:"serverInfo"`

	// Instructions carries the active role's system instruction.
	Instructions string `json:"instructions,omitempty"`
}

func (s *Server) handleInitialize(ctx context.Context, req *mcp.JSONRPCRequest) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(req.ID, mcp.ErrCodeInvalidParams, "invalid initialize params: "+err.Error(), nil)
			return
		}
	}

	manifest, err := s.router.StartSession(ctx, identity.AgentIdentity{
		Name:    params.ClientInfo.Name,
		Version: params.ClientInfo.Version,
		Skills:  params.Skills,
	})
	if err != nil {
		s.writeRouteError(req.ID, err)
		return
	}

	s.logger.Info("agent connected",
		"agent", params.ClientInfo.Name,
		"role", manifest.Role.ID,
		"tools", manifest.ToolCount)

	s.writeResult(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		ServerInfo:   mcp.ServerInfo{Name: s.config.Name, Version: s.config.Version},
		Instructions: manifest.Instruction,
	})
}

// beginHandling marks a request in flight so tools-changed signals queue
// up behind its response.
func (s *Server) beginHandling() {
	s.stateMu.Lock()
	s.handling = true
	s.stateMu.Unlock()
}

// finishHandling flushes any notification that arrived while the
// request was being served, after its response line went out.
func (s *Server) finishHandling() {
	s.stateMu.Lock()
	s.handling = false
	flush := s.pendingNote
	s.pendingNote = false
	s.stateMu.Unlock()

	if flush {
		s.sendListChanged()
	}
}

// signalToolsChanged is the router callback. Mid-request it defers the
// notification until the response is written; between requests it sends
// immediately.
func (s *Server) signalToolsChanged() {
	s.stateMu.Lock()
	if s.handling {
		s.pendingNote = true
		s.stateMu.Unlock()
		return
	}
	s.stateMu.Unlock()
	s.sendListChanged()
}

func (s *Server) sendListChanged() {
	s.writeMessage(mcp.JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  "notifications/tools/list_changed",
	})
}

// writeRouteError maps router failures onto the wire. Gateway errors
// carry their own code and data; upstream JSON-RPC errors pass through
// unchanged.
func (s *Server) writeRouteError(id any, err error) {
	if gw, ok := router.AsGatewayError(err); ok {
		var data json.RawMessage
		if gw.Data != nil {
			data, _ = json.Marshal(gw.Data)
		}
		s.writeError(id, gw.Code, gw.Message, data)
		return
	}

	var rpcErr *mcp.JSONRPCError
	if errors.As(err, &rpcErr) {
		s.writeMessage(mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
		return
	}

	s.writeError(id, mcp.ErrCodeInternalError, err.Error(), nil)
}

func (s *Server) writeResult(id any, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeError(id, mcp.ErrCodeInternalError, "marshal result: "+err.Error(), nil)
		return
	}
	s.writeMessage(mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) writeError(id any, code int, message string, data json.RawMessage) {
	s.writeMessage(mcp.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &mcp.JSONRPCError{Code: code, Message: message, Data: data},
	})
}

func (s *Server) writeMessage(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
