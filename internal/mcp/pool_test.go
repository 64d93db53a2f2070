package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

// addLiveClient wires a pipe-backed client into the pool as if Start had
// launched it.
func addLiveClient(t *testing.T, p *Pool, name string) *Client {
	t.Helper()
	cfg := &UpstreamConfig{Name: name, Command: "fake"}
	client := NewClient(cfg, nil)
	newFakeUpstream(t, client.transport, fakeToolServer)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	if err := p.AddServer(cfg); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	p.mu.Lock()
	p.clients[name] = client
	p.mu.Unlock()
	return client
}

func TestPoolAddServerValidation(t *testing.T) {
	p := NewPool(nil, nil)
	if err := p.AddServer(&UpstreamConfig{Command: "srv"}); err == nil {
		t.Error("missing name must be rejected")
	}
	if err := p.AddServer(&UpstreamConfig{Name: "srv"}); err == nil {
		t.Error("missing command must be rejected")
	}
	if err := p.AddServer(&UpstreamConfig{Name: "srv", Command: "srv"}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	// Re-adding replaces the config without duplicating the name.
	if err := p.AddServer(&UpstreamConfig{Name: "srv", Command: "srv2"}); err != nil {
		t.Errorf("replace rejected: %v", err)
	}
	if got := p.Names(); !reflect.DeepEqual(got, []string{"srv"}) {
		t.Errorf("names = %v", got)
	}
	if cfg, _ := p.Config("srv"); cfg.Command != "srv2" {
		t.Errorf("config not replaced: %+v", cfg)
	}
}

func TestPoolLoadFromConfig(t *testing.T) {
	p := NewPool(nil, nil)
	err := p.LoadFromConfig(map[string]*UpstreamConfig{
		"zeta":  {Command: "zeta-srv"},
		"alpha": {Command: "alpha-srv"},
		"mid":   {Command: "mid-srv", Disabled: true},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Map order is randomized; registration is by sorted name.
	if got := p.Names(); !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("names = %v", got)
	}
	cfg, ok := p.Config("alpha")
	if !ok || cfg.Name != "alpha" {
		t.Errorf("name not backfilled from key: %+v", cfg)
	}

	statuses := p.ListUpstreams()
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d", len(statuses))
	}
	for _, s := range statuses {
		if s.Connected {
			t.Errorf("%s should not be connected", s.Name)
		}
		if s.Name == "mid" && !s.Disabled {
			t.Error("mid should be marked disabled")
		}
	}
}

func TestPoolStartByNameUnknown(t *testing.T) {
	p := NewPool(nil, nil)
	if err := p.StartByName(context.Background(), "ghost"); err == nil {
		t.Fatal("unknown upstream must fail")
	}
}

func TestPoolStartDisabled(t *testing.T) {
	p := NewPool(nil, nil)
	if err := p.AddServer(&UpstreamConfig{Name: "off", Command: "srv", Disabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background(), "off"); err == nil {
		t.Fatal("disabled upstream must not start")
	}
}

func TestPoolFindToolAndRoute(t *testing.T) {
	p := NewPool(nil, nil)
	addLiveClient(t, p, "files")

	server, tool, ok := p.FindTool("read")
	if !ok || server != "files" || tool.Name != "read" {
		t.Fatalf("FindTool = %q %+v %v", server, tool, ok)
	}
	if _, _, ok := p.FindTool("launch"); ok {
		t.Error("unknown tool should not resolve")
	}

	params, _ := json.Marshal(CallToolParams{Name: "read"})
	result, err := p.RouteRequest(context.Background(), "tools/call", params)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if callResult.IsError {
		t.Error("routed call failed")
	}

	if _, err := p.RouteToServer(context.Background(), "ghost", "tools/list", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}

	missing, _ := json.Marshal(CallToolParams{Name: "launch"})
	if _, err := p.RouteRequest(context.Background(), "tools/call", missing); err == nil {
		t.Error("unowned tool must not route")
	}
}

func TestPoolConnectedNames(t *testing.T) {
	p := NewPool(nil, nil)
	if err := p.AddServer(&UpstreamConfig{Name: "down", Command: "srv"}); err != nil {
		t.Fatal(err)
	}
	addLiveClient(t, p, "up")

	if got := p.ConnectedNames(); !reflect.DeepEqual(got, []string{"up"}) {
		t.Errorf("connected = %v", got)
	}

	if err := p.Stop("up"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := p.ConnectedNames(); got != nil {
		t.Errorf("connected after stop = %v", got)
	}
}
