package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/audit"
)

// buildAuditCmd creates the "audit" command group operating on audit
// snapshots written by serve's --audit-export flag.
func buildAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with exported audit snapshots",
	}
	cmd.AddCommand(buildAuditExportCmd(), buildAuditStatsCmd())
	return cmd
}

func buildAuditExportCmd() *cobra.Command {
	var (
		from     string
		format   string
		outPath  string
		role     string
		tool     string
		decision string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Filter and re-emit an audit snapshot as JSON or CSV",
		Example: `  # All denied calls as CSV
  toolgate audit export --from audit.json --decision denied --format csv

  # One tool's history
  toolgate audit export --from audit.json --tool fs__read`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := loadAuditSnapshot(from)
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			if limit <= 0 {
				limit = log.Len()
			}
			query := audit.Query{
				Role:     role,
				Tool:     tool,
				Decision: audit.Decision(decision),
				Limit:    limit,
			}
			switch format {
			case "csv":
				return log.ExportCSV(out, query)
			case "json", "":
				return log.ExportJSON(out, query)
			default:
				return fmt.Errorf("unknown format %q (want json or csv)", format)
			}
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Audit snapshot file written by serve --audit-export")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or csv")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&role, "role", "", "Filter by role")
	cmd.Flags().StringVar(&tool, "tool", "", "Filter by tool name")
	cmd.Flags().StringVar(&decision, "decision", "", "Filter by decision: allowed, denied, error")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to emit")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func buildAuditStatsCmd() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize an audit snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := loadAuditSnapshot(from)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(log.Stats())
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Audit snapshot file written by serve --audit-export")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

// loadAuditSnapshot reads an exported JSON snapshot back into a log so
// the query and export machinery applies to it.
func loadAuditSnapshot(path string) (*audit.Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []audit.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse audit snapshot %s: %w", path, err)
	}

	capacity := len(entries)
	if capacity == 0 {
		capacity = 1
	}
	log := audit.NewLog(capacity, quietLogger())
	// Snapshots are newest first; replay oldest first so ids ascend with
	// time.
	for i := len(entries) - 1; i >= 0; i-- {
		log.Record(entries[i])
	}
	return log, nil
}
