package config

import (
	"fmt"
	"sort"

	"github.com/haasonsaas/toolgate/internal/mcp"
)

// LoadServers reads an upstream table file. The table may sit at the
// document root or under a "servers" key, so a main config file can be
// reused as a table file directly.
func LoadServers(path string) (map[string]*mcp.UpstreamConfig, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("upstream table: %w", err)
	}
	if nested, ok := raw["servers"].(map[string]any); ok {
		raw = nested
	}

	var table map[string]*mcp.UpstreamConfig
	if err := strictDecode(raw, &table); err != nil {
		return nil, fmt.Errorf("upstream table %s: %w", path, err)
	}
	if err := normalizeUpstreams(table); err != nil {
		return nil, fmt.Errorf("upstream table %s: %w", path, err)
	}
	return table, nil
}

// ResolveUpstreams picks the effective upstream table: the external file
// wins, then the inline table, then the built-in defaults spawned from
// ServerBin.
func ResolveUpstreams(cfg *Config) (map[string]*mcp.UpstreamConfig, error) {
	if cfg.ServersFile != "" {
		return LoadServers(cfg.ServersFile)
	}
	if len(cfg.Servers) > 0 {
		if err := normalizeUpstreams(cfg.Servers); err != nil {
			return nil, err
		}
		return cfg.Servers, nil
	}
	if table := DefaultUpstreams(cfg.ServerBin); table != nil {
		return table, nil
	}
	return nil, fmt.Errorf("%w: no upstream servers configured", ErrInvalidConfig)
}

// normalizeUpstreams stamps map keys into the Name field and rejects
// entries without a command.
func normalizeUpstreams(table map[string]*mcp.UpstreamConfig) error {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		upstream := table[name]
		if upstream == nil {
			return fmt.Errorf("%w: server %q has no definition", ErrInvalidConfig, name)
		}
		if upstream.Name == "" {
			upstream.Name = name
		}
		if upstream.Name != name {
			return fmt.Errorf("%w: server %q declares mismatched name %q", ErrInvalidConfig, name, upstream.Name)
		}
		if upstream.Command == "" {
			return fmt.Errorf("%w: server %q has no command", ErrInvalidConfig, name)
		}
	}
	return nil
}
