// Package mcptest provides an in-memory upstream for exercising the MCP
// client stack without spawning child processes, in the spirit of
// net/http/httptest.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/haasonsaas/toolgate/internal/mcp"
)

// Handler answers one request. Return a result value to be marshalled,
// or a *mcp.JSONRPCError to answer with an error envelope.
type Handler func(method string, params json.RawMessage) (any, *mcp.JSONRPCError)

// Server is an in-memory upstream speaking line-delimited JSON-RPC over
// io.Pipe pairs. The zero Handler serves initialize, tools/list from
// Tools, and tools/call with a canned text result.
type Server struct {
	Name    string
	Tools   []mcp.Tool
	Handler Handler

	mu     sync.Mutex
	out    *io.PipeWriter
	in     *io.PipeReader
	closed bool

	// Requests records every method the server saw, in order.
	Requests []string
}

// NewServer creates a server advertising the given tools.
func NewServer(name string, tools ...mcp.Tool) *Server {
	return &Server{Name: name, Tools: tools}
}

// Start wires the server to a fresh client and runs the initialize
// handshake. The returned client is connected and has discovered the
// server's tools.
func (s *Server) Start(ctx context.Context) (*mcp.Client, error) {
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()

	s.mu.Lock()
	s.out = serverWrites
	s.in = serverReads
	s.mu.Unlock()

	client := mcp.NewClient(&mcp.UpstreamConfig{Name: s.Name, Command: "mcptest"}, nil)
	client.Transport().ConnectPipes(clientReads, clientWrites)

	go s.serve(serverReads, serverWrites)

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("mcptest: connect %s: %w", s.Name, err)
	}
	return client, nil
}

// Close tears the server side of the pipes down, which the client sees
// as an upstream exit.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.out != nil {
		s.out.Close()
	}
	if s.in != nil {
		s.in.Close()
	}
}

// Notify pushes a server-initiated notification to the client.
func (s *Server) Notify(method string, params any) error {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	return s.writeLine(msg)
}

func (s *Server) serve(in *io.PipeReader, out *io.PipeWriter) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.Requests = append(s.Requests, req.Method)
		s.mu.Unlock()

		if req.ID == nil {
			continue
		}

		result, rpcErr := s.handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := s.writeLine(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(method string, params json.RawMessage) (any, *mcp.JSONRPCError) {
	if s.Handler != nil {
		return s.Handler(method, params)
	}
	return s.defaultHandle(method, params)
}

// defaultHandle serves the session protocol so most tests only need to
// declare tools.
func (s *Server) defaultHandle(method string, params json.RawMessage) (any, *mcp.JSONRPCError) {
	switch method {
	case "initialize":
		return mcp.InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      mcp.ServerInfo{Name: s.Name, Version: "0.0.0-test"},
		}, nil
	case "tools/list":
		return mcp.ListToolsResult{Tools: s.Tools}, nil
	case "tools/call":
		var call mcp.CallToolParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, &mcp.JSONRPCError{Code: mcp.ErrCodeInvalidParams, Message: err.Error()}
		}
		for _, t := range s.Tools {
			if t.Name == call.Name {
				return mcp.ToolCallResult{Content: []mcp.ContentBlock{{
					Type: "text",
					Text: fmt.Sprintf("%s result from %s", call.Name, s.Name),
				}}}, nil
			}
		}
		return nil, &mcp.JSONRPCError{
			Code:    mcp.ErrCodeMethodNotFound,
			Message: fmt.Sprintf("unknown tool %q", call.Name),
		}
	default:
		return nil, &mcp.JSONRPCError{
			Code:    mcp.ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method %q not handled", method),
		}
	}
}

func (s *Server) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	_, err = s.out.Write(append(data, '\n'))
	return err
}

// Seen returns a copy of the request methods the server handled.
func (s *Server) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Requests...)
}
