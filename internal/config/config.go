// Package config loads and validates the gateway's configuration
// surfaces: the main config file, the skill manifest, the identity
// overlay, and the upstream table.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/haasonsaas/toolgate/internal/identity"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/router"
)

// ErrInvalidConfig marks configuration that fails validation. Load-time
// callers treat it as fatal.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Environment variables recognized by the gateway.
const (
	// EnvSkills points at the skill manifest file.
	EnvSkills = "TOOLGATE_SKILLS"

	// EnvServers points at the upstream table file.
	EnvServers = "TOOLGATE_SERVERS"

	// EnvServerBin names the binary hosting the built-in upstream
	// back-ends, used when no upstream table is configured.
	EnvServerBin = "TOOLGATE_SERVER_BIN"

	// EnvSilent raises the log level to error only.
	EnvSilent = "TOOLGATE_SILENT"

	// EnvStdio marks stdin/stdout as the client transport, forcing logs
	// to stderr.
	EnvStdio = "TOOLGATE_STDIO"

	// EnvConfig points at the configuration file, checked before the
	// default search path.
	EnvConfig = "TOOLGATE_CONFIG"
)

// DefaultConfigName is the config file looked for when no path is given.
const DefaultConfigName = "toolgate.yaml"

// ServerSettings identify the gateway toward connecting agents.
type ServerSettings struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// LogSettings mirror observability.LogConfig in file form.
type LogSettings struct {
	Level          string `json:"level,omitempty" yaml:"level,omitempty"`
	Format         string `json:"format,omitempty" yaml:"format,omitempty"`
	AddSource      bool   `json:"addSource,omitempty" yaml:"addSource,omitempty"`
	Silent         bool   `json:"silent,omitempty" yaml:"silent,omitempty"`
	StdioTransport bool   `json:"stdioTransport,omitempty" yaml:"stdioTransport,omitempty"`
}

// TraceSettings configure the OTLP trace exporter.
type TraceSettings struct {
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	SamplingRate float64 `json:"samplingRate,omitempty" yaml:"samplingRate,omitempty"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// MetricsSettings configure the Prometheus scrape endpoint.
type MetricsSettings struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Config is the gateway's top-level configuration.
type Config struct {
	Server  ServerSettings  `json:"server,omitempty" yaml:"server,omitempty"`
	Log     LogSettings     `json:"log,omitempty" yaml:"log,omitempty"`
	Trace   TraceSettings   `json:"trace,omitempty" yaml:"trace,omitempty"`
	Metrics MetricsSettings `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// SkillManifest is the path to the authoritative skill manifest.
	SkillManifest string `json:"skillManifest,omitempty" yaml:"skillManifest,omitempty"`

	// Identity is an inline identity overlay; IdentityConfig points at an
	// external one. Inline wins when both are set.
	Identity       *identity.Config `json:"identity,omitempty" yaml:"identity,omitempty"`
	IdentityConfig string           `json:"identityConfig,omitempty" yaml:"identityConfig,omitempty"`

	// ServersFile points at an external upstream table; Servers holds an
	// inline table. The file wins when both are set.
	ServersFile string                         `json:"serversFile,omitempty" yaml:"serversFile,omitempty"`
	Servers     map[string]*mcp.UpstreamConfig `json:"servers,omitempty" yaml:"servers,omitempty"`

	// ServerBin is the binary hosting the built-in upstream back-ends.
	ServerBin string `json:"serverBin,omitempty" yaml:"serverBin,omitempty"`

	Router router.Config `json:"router,omitempty" yaml:"router,omitempty"`
}

// ApplyEnv overlays the recognized environment variables onto cfg.
// Environment values win over file values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvSkills); v != "" {
		c.SkillManifest = v
	}
	if v := os.Getenv(EnvServers); v != "" {
		c.ServersFile = v
	}
	if v := os.Getenv(EnvServerBin); v != "" {
		c.ServerBin = v
	}
	if envBool(EnvSilent) {
		c.Log.Silent = true
	}
	if envBool(EnvStdio) {
		c.Log.StdioTransport = true
	}
}

func envBool(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// Any non-empty, non-boolean value counts as set.
		return true
	}
	return b
}

// DefaultConfigPath resolves the config file to load when no --config
// flag is given: $TOOLGATE_CONFIG, then ./toolgate.yaml, then
// ~/.toolgate/toolgate.yaml. Empty means no config file exists and the
// gateway runs on environment variables alone.
func DefaultConfigPath() string {
	if v := os.Getenv(EnvConfig); v != "" {
		return v
	}
	if _, err := os.Stat(DefaultConfigName); err == nil {
		return DefaultConfigName
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".toolgate", DefaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// DefaultUpstreams builds the fallback upstream table served by the
// bundled back-end binary, one child per back-end.
func DefaultUpstreams(serverBin string) map[string]*mcp.UpstreamConfig {
	if serverBin == "" {
		return nil
	}
	table := make(map[string]*mcp.UpstreamConfig)
	for _, name := range []string{"files", "shell", "fetch"} {
		table[name] = &mcp.UpstreamConfig{
			Name:    name,
			Command: serverBin,
			Args:    []string{name},
		}
	}
	return table
}
