package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the gateway over
// standard streams. This is the command an MCP client configuration
// points at.
func buildServeCmd() *cobra.Command {
	var (
		configPath  string
		debug       bool
		auditExport string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway over stdin/stdout",
		Long: `Start the gateway speaking MCP over stdin/stdout.

The gateway will:
1. Load configuration, the skill manifest, and the identity overlay
2. Spawn the configured upstream tool servers as child processes
3. Resolve the connecting agent to a role during the initialize handshake
4. Serve the role's virtual tool table and route calls until EOF

Logs go to stderr; stdout carries only protocol frames. The skill
manifest is watched for changes and hot-reloaded.`,
		Example: `  # Start with a config file
  toolgate serve --config toolgate.yaml

  # Point at a manifest and upstream table directly
  TOOLGATE_SKILLS=skills.yaml TOOLGATE_SERVERS=servers.yaml toolgate serve

  # Dump the audit log on shutdown
  toolgate serve --config toolgate.yaml --audit-export audit.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, auditExport)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to the configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	cmd.Flags().StringVar(&auditExport, "audit-export", "",
		"Write the audit log as JSON to this file on shutdown")

	return cmd
}

// buildRolesCmd creates the "roles" command that prints the role
// catalogue derived from a skill manifest.
func buildRolesCmd() *cobra.Command {
	var (
		configPath string
		skillsPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List the roles a skill manifest derives",
		Example: `  toolgate roles --skills skills.yaml
  toolgate roles --config toolgate.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd, configPath, skillsPath, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().StringVar(&skillsPath, "skills", "", "Path to the skill manifest (overrides config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")

	return cmd
}

// buildVersionCmd creates the "version" command. The same information
// is available as --version on the root command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the toolgate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "toolgate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// buildValidateCmd creates the "validate" command that loads every
// configuration surface and reports problems without starting anything.
func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Validate configuration, manifest, and upstream table",
		Example: `  toolgate validate --config toolgate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	return cmd
}
