package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/identity"
	"github.com/haasonsaas/toolgate/internal/roles"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "roles", "validate", "audit", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func writeTestFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// clearEnv pins the gateway environment so ambient TOOLGATE_* variables
// cannot leak into command tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvConfig, config.EnvSkills, config.EnvServers, config.EnvServerBin,
	} {
		t.Setenv(key, "")
	}
}

func TestBuildResolverKeepsOverlayRules(t *testing.T) {
	cfg := &config.Config{
		Identity: &identity.Config{
			Version:     "1",
			DefaultRole: "guest",
			Rules: []identity.Rule{
				{Role: "admin", RequiredSkills: []string{"admin_access"}, Priority: 100},
			},
		},
	}
	manifest := &roles.Manifest{
		Version: "1",
		Skills: []roles.Skill{
			{
				ID: "file-ops",
				Identity: &identity.SkillIdentity{
					SkillMatching: []identity.Rule{
						{Role: "frontend", AnySkills: []string{"file_ops"}},
					},
				},
			},
		},
	}

	resolver, err := buildResolver(cfg, manifest, quietLogger())
	if err != nil {
		t.Fatalf("buildResolver: %v", err)
	}

	res, err := resolver.Resolve(identity.AgentIdentity{
		Name:   "ops-bot",
		Skills: []identity.SkillDeclaration{{ID: "admin_access"}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Role != "admin" {
		t.Errorf("role = %q, want admin from the overlay rule", res.Role)
	}

	// Manifest contributions land alongside, not instead.
	res, err = resolver.Resolve(identity.AgentIdentity{
		Name:   "ui-bot",
		Skills: []identity.SkillDeclaration{{ID: "file_ops"}},
	})
	if err != nil {
		t.Fatalf("resolve contributed rule: %v", err)
	}
	if res.Role != "frontend" {
		t.Errorf("role = %q, want frontend from the skill contribution", res.Role)
	}
}

func TestRolesCommandPrintsCatalogue(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	skills := writeTestFile(t, dir, "skills.yaml", `
version: "1"
skills:
  - id: file-ops
    allowedRoles: [frontend]
    allowedTools: ["fs__*"]
`)

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"roles", "--skills", skills})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("roles: %v", err)
	}
	if !strings.Contains(out.String(), "frontend") {
		t.Errorf("output missing role:\n%s", out.String())
	}
}

func TestValidateCommandChecksAllSurfaces(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeTestFile(t, dir, "skills.yaml", `
version: "1"
skills:
  - id: file-ops
    allowedRoles: [frontend]
    allowedTools: ["fs__read"]
`)
	cfgPath := writeTestFile(t, dir, "toolgate.yaml", `
skillManifest: `+filepath.Join(dir, "skills.yaml")+`
servers:
  fs:
    command: /usr/local/bin/fs-server
`)

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "ok:") {
		t.Errorf("output = %q", out.String())
	}
}

func TestValidateCommandRejectsBrokenManifest(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeTestFile(t, dir, "skills.yaml", "skills:\n  - name: no-id\n")
	cfgPath := writeTestFile(t, dir, "toolgate.yaml", `
skillManifest: `+filepath.Join(dir, "skills.yaml")+`
servers:
  fs:
    command: /usr/local/bin/fs-server
`)

	cmd := buildRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"validate", "--config", cfgPath})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected a validation error")
	}
}
