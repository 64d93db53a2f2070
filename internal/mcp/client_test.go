package mcp

import (
	"context"
	"encoding/json"
	"testing"
)

// fakeToolServer answers the MCP session protocol for client tests.
func fakeToolServer(s *fakeUpstream, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.respond(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "fake-tools", Version: "0.1.0"},
		})
	case "tools/list":
		var params struct {
			Cursor string `json:"cursor"`
		}
		if len(req.Params) > 0 {
			json.Unmarshal(req.Params, &params)
		}
		if params.Cursor == "" {
			s.respond(req.ID, ListToolsResult{
				Tools:      []Tool{{Name: "read", Description: "read a file"}},
				NextCursor: "page2",
			})
		} else {
			s.respond(req.ID, ListToolsResult{
				Tools: []Tool{{Name: "write", Description: "write a file"}},
			})
		}
	case "tools/call":
		var call CallToolParams
		json.Unmarshal(req.Params, &call)
		if call.Name != "read" {
			s.respond(req.ID, ToolCallResult{
				Content: []ContentBlock{{Type: "text", Text: "unknown tool"}},
				IsError: true,
			})
			return
		}
		s.respond(req.ID, ToolCallResult{
			Content: []ContentBlock{{Type: "text", Text: "file contents"}},
		})
	case "prompts/get":
		s.respond(req.ID, GetPromptResult{
			Description: "role instruction",
			Messages: []PromptMessage{
				{Role: "user", Content: ContentBlock{Type: "text", Text: "You are the admin role."}},
			},
		})
	default:
		s.respondError(req.ID, ErrCodeMethodNotFound, "unknown method "+req.Method)
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client := NewClient(&UpstreamConfig{Name: "fake"}, nil)
	newFakeUpstream(t, client.transport, fakeToolServer)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

func TestClientConnectHandshake(t *testing.T) {
	client := newTestClient(t)

	info := client.ServerInfo()
	if info.Name != "fake-tools" || info.Version != "0.1.0" {
		t.Errorf("server info = %+v", info)
	}
	if client.LastActivity().IsZero() {
		t.Error("lastActivity should be set after connect")
	}

	// Discovery follows the pagination cursor across both pages.
	tools := client.Tools()
	if len(tools) != 2 || tools[0].Name != "read" || tools[1].Name != "write" {
		t.Errorf("tools = %+v, want read and write", tools)
	}
	if !client.HasTool("read") || client.HasTool("delete") {
		t.Error("HasTool disagrees with the discovered set")
	}
}

func TestClientCallTool(t *testing.T) {
	client := newTestClient(t)

	result, err := client.CallTool(context.Background(), "read", map[string]any{"path": "/etc/motd"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if result.IsError {
		t.Fatal("unexpected tool error")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "file contents" {
		t.Errorf("content = %+v", result.Content)
	}

	bad, err := client.CallTool(context.Background(), "delete", nil)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if !bad.IsError {
		t.Error("tool-level failure should surface through IsError")
	}
}

func TestClientGetPrompt(t *testing.T) {
	client := newTestClient(t)

	prompt, err := client.GetPrompt(context.Background(), "role-instruction", map[string]string{"role": "admin"})
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if prompt.Text() != "You are the admin role." {
		t.Errorf("prompt text = %q", prompt.Text())
	}
}

func TestClientRawCall(t *testing.T) {
	client := newTestClient(t)

	params, _ := json.Marshal(CallToolParams{Name: "read"})
	result, err := client.Call(context.Background(), "tools/call", params)
	if err != nil {
		t.Fatalf("raw call: %v", err)
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if callResult.IsError {
		t.Error("raw tools/call should pass through unchanged")
	}
}
