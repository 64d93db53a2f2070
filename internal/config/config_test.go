package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
log:
  level: debug
router:
  defaultRole: observer
`)
	path := writeFile(t, dir, "main.yaml", `
$include: base.yaml
server:
  name: toolgate-test
router:
  auditCapacity: 64
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Name != "toolgate-test" {
		t.Errorf("server name = %q", cfg.Server.Name)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("included log level = %q", cfg.Log.Level)
	}
	if cfg.Router.DefaultRole != "observer" || cfg.Router.AuditCapacity != 64 {
		t.Errorf("router = %+v, include merge broken", cfg.Router)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.json5", `{
  // comments are allowed here
  server: {name: "toolgate-json5"},
  router: {defaultRole: "frontend"},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Name != "toolgate-json5" || cfg.Router.DefaultRole != "frontend" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.yaml", "serverr:\n  name: typo\n")

	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want cycle error", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TOOLGATE_TEST_ROLE", "backend")
	dir := t.TempDir()
	path := writeFile(t, dir, "main.yaml", "router:\n  defaultRole: ${TOOLGATE_TEST_ROLE}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.DefaultRole != "backend" {
		t.Errorf("defaultRole = %q", cfg.Router.DefaultRole)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvSkills, "/tmp/skills.yaml")
	t.Setenv(EnvSilent, "1")
	t.Setenv(EnvStdio, "true")

	cfg := &Config{SkillManifest: "from-file.yaml"}
	cfg.ApplyEnv()

	if cfg.SkillManifest != "/tmp/skills.yaml" {
		t.Errorf("skill manifest = %q, env should win", cfg.SkillManifest)
	}
	if !cfg.Log.Silent || !cfg.Log.StdioTransport {
		t.Errorf("log flags = %+v", cfg.Log)
	}
}

func TestDefaultConfigPathHonorsEnv(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/toolgate/toolgate.yaml")
	if got := DefaultConfigPath(); got != "/etc/toolgate/toolgate.yaml" {
		t.Errorf("path = %q", got)
	}
}

func TestLoadSkillManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skills.yaml", `
version: "2026-08-01"
skills:
  - id: file-ops
    allowedRoles: [frontend]
    allowedTools: ["fs__*"]
  - id: database
    allowedRoles: [backend]
    allowedTools: [db__query]
    identityConfig:
      skillMatching:
        - role: backend
          requiredSkills: [database]
`)

	manifest, err := LoadSkillManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if manifest.Version != "2026-08-01" || len(manifest.Skills) != 2 {
		t.Fatalf("manifest = %+v", manifest)
	}
	if manifest.Skills[1].Identity == nil || len(manifest.Skills[1].Identity.SkillMatching) != 1 {
		t.Errorf("identity contribution lost: %+v", manifest.Skills[1])
	}
}

func TestLoadSkillManifestRejectsMissingVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skills.yaml", "skills:\n  - id: file-ops\n")

	if _, err := LoadSkillManifest(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want schema violation", err)
	}
}

func TestLoadSkillManifestRejectsSkillWithoutID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skills.yaml", "version: \"1\"\nskills:\n  - name: anonymous\n")

	if _, err := LoadSkillManifest(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want schema violation", err)
	}
}

func TestLoadIdentity(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "identity.yaml", `
version: "1"
defaultRole: frontend
skillRules:
  - role: backend
    requiredSkills: [database]
    priority: 10
trustedPrefixes: [internal-]
`)

	cfg, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultRole != "frontend" || len(cfg.Rules) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadIdentityRequiresDefaultRole(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "identity.yaml", "version: \"1\"\n")

	if _, err := LoadIdentity(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadIdentityRequiresDefaultRoleUnderReject(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "identity.yaml", "version: \"1\"\nrejectUnknown: true\n")

	if _, err := LoadIdentity(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig even with rejectUnknown", err)
	}
}

func TestLoadServers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.yaml", `
servers:
  fs:
    command: /usr/local/bin/fs-server
    args: [--root, /srv]
  db:
    command: /usr/local/bin/db-server
    timeout: 45s
`)

	table, err := LoadServers(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("table = %+v", table)
	}
	if table["fs"].Name != "fs" {
		t.Errorf("map key should stamp the name, got %q", table["fs"].Name)
	}
	if table["db"].Timeout != 45*time.Second {
		t.Errorf("timeout = %v", table["db"].Timeout)
	}
}

func TestLoadServersRejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.yaml", "servers:\n  fs: {args: [--root]}\n")

	if _, err := LoadServers(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestResolveUpstreamsFallsBackToServerBin(t *testing.T) {
	cfg := &Config{ServerBin: "/usr/local/bin/toolgate-servers"}
	table, err := ResolveUpstreams(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(table) == 0 {
		t.Fatal("expected default upstreams")
	}
	for name, upstream := range table {
		if upstream.Command != cfg.ServerBin {
			t.Errorf("%s command = %q", name, upstream.Command)
		}
	}
}

func TestResolveUpstreamsEmpty(t *testing.T) {
	if _, err := ResolveUpstreams(&Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestWatcherSignalsManifestChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skills.yaml", "version: \"1\"\nskills: []\n")

	changed := make(chan struct{}, 1)
	w := NewWatcher(path, 10*time.Millisecond, nil)
	if err := w.Start(context.Background(), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Close()

	// Give the watch loop a beat to come up before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "skills.yaml", "version: \"2\"\nskills: []\n")

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "skills.yaml", "version: \"1\"\nskills: []\n")

	changed := make(chan struct{}, 1)
	w := NewWatcher(path, 10*time.Millisecond, nil)
	if err := w.Start(context.Background(), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "other.yaml", "unrelated: true\n")

	select {
	case <-changed:
		t.Fatal("sibling write must not fire the callback")
	case <-time.After(200 * time.Millisecond):
	}
}
