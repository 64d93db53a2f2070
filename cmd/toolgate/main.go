// Package main provides the CLI entry point for the toolgate zero-trust
// MCP routing gateway.
//
// Toolgate sits between an AI agent and its tool servers. The agent sees
// one MCP endpoint; toolgate resolves the agent's identity to a role,
// filters the tool surface down to what that role may use, and routes
// each call to a healthy upstream.
//
// # Basic Usage
//
// Start the gateway over stdio:
//
//	toolgate serve --config toolgate.yaml
//
// Inspect the role catalogue a skill manifest derives:
//
//	toolgate roles --skills skills.yaml
//
// Validate every configuration surface without starting anything:
//
//	toolgate validate --config toolgate.yaml
//
// # Environment Variables
//
//   - TOOLGATE_SKILLS: Path to the skill manifest
//   - TOOLGATE_SERVERS: Path to the upstream table file
//   - TOOLGATE_SERVER_BIN: Binary hosting the built-in upstream back-ends
//   - TOOLGATE_SILENT: Log errors only
//   - TOOLGATE_STDIO: Force logs to stderr (set automatically by serve)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "Toolgate - zero-trust MCP routing gateway",
		Long: `Toolgate is a zero-trust routing gateway between AI agents and MCP tool
servers. Agents connect over stdio, are resolved to a role from their
declared skills, and see only the tools that role permits. Calls are
routed across upstream servers with circuit breaking and retries, and
every decision lands in the audit log.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRolesCmd(),
		buildValidateCmd(),
		buildAuditCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
