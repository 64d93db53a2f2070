package main

import (
	"bytes"
	"strings"
	"testing"
)

const auditSnapshot = `[
  {
    "id": 3,
    "timestamp": "2026-08-24T10:00:02Z",
    "sessionId": "s1",
    "role": "backend",
    "tool": "db__query",
    "server": "db",
    "decision": "allowed",
    "durationMs": 12
  },
  {
    "id": 2,
    "timestamp": "2026-08-24T10:00:01Z",
    "sessionId": "s1",
    "role": "frontend",
    "tool": "db__query",
    "decision": "denied",
    "reason": "tool not visible to role"
  },
  {
    "id": 1,
    "timestamp": "2026-08-24T10:00:00Z",
    "sessionId": "s1",
    "role": "frontend",
    "tool": "fs__read",
    "server": "fs",
    "decision": "allowed",
    "durationMs": 4
  }
]`

func TestAuditExportCSVFiltersByDecision(t *testing.T) {
	dir := t.TempDir()
	snapshot := writeTestFile(t, dir, "audit.json", auditSnapshot)

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"audit", "export", "--from", snapshot, "--format", "csv", "--decision", "denied"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("export: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header plus one row:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "id,timestamp") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "denied") || !strings.Contains(lines[1], "db__query") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestAuditStats(t *testing.T) {
	dir := t.TempDir()
	snapshot := writeTestFile(t, dir, "audit.json", auditSnapshot)

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"audit", "stats", "--from", snapshot})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, want := range []string{`"total": 3`, `"allowed": 2`, `"denied": 1`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("stats output missing %s:\n%s", want, out.String())
		}
	}
}
