package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/rekey/internal/config"
	"github.com/systmms/rekey/internal/rotation/storage"
	"gopkg.in/yaml.v3"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand(cfg *config.Config) *cobra.Command {
	var (
		historyLimit  int
		historyStatus string
		historyFormat string
		cleanup       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past rotation runs",
		Long: `Display the history of rotation runs, newest first, or the per-phase
details of a single run.`,
		Example: `  # Show the last 20 runs
  rekey history --limit 20

  # Show only failed runs as JSON
  rekey history --status failed --format json

  # Delete runs older than 30 days
  rekey history --cleanup 720h

  # Show one run in detail
  rekey history 6f1c2a0e-9c1b-4a57-8d3e-0b8f3f6f2d11`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The history directory may come from rekey.yaml, but history is
			// readable without one.
			var def *config.Definition
			if err := cfg.Load(); err == nil {
				def = cfg.Definition
			}
			store := historyStorage(def)
			out := cmd.OutOrStdout()

			if cmd.Flags().Changed("cleanup") {
				if cleanup <= 0 {
					return fmt.Errorf("--cleanup must be a positive duration, got %s", cleanup)
				}
				before, err := store.ListRuns(0)
				if err != nil {
					return fmt.Errorf("failed to get history: %w", err)
				}
				if err := store.CleanupOldEntries(cleanup); err != nil {
					return fmt.Errorf("failed to clean up history: %w", err)
				}
				after, err := store.ListRuns(0)
				if err != nil {
					return fmt.Errorf("failed to get history: %w", err)
				}
				_, _ = fmt.Fprintf(out, "Removed %d run(s) older than %s from %s\n", len(before)-len(after), cleanup, store.Dir())
				return nil
			}

			if len(args) == 1 {
				entry, err := store.GetRun(args[0])
				if err != nil {
					return err
				}
				return outputHistory(out, historyFormat, []storage.HistoryEntry{*entry}, true)
			}

			entries, err := store.ListRuns(0)
			if err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}
			entries = filterHistoryEntries(entries, historyStatus)
			if historyLimit > 0 && len(entries) > historyLimit {
				entries = entries[:historyLimit]
			}
			return outputHistory(out, historyFormat, entries, false)
		},
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of entries to show")
	cmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status: success, failed, dry_run")
	cmd.Flags().StringVar(&historyFormat, "format", "table", "Output format: table, json, yaml")
	cmd.Flags().DurationVar(&cleanup, "cleanup", 0, "Delete runs older than this duration (e.g. 720h) and exit")

	return cmd
}

func filterHistoryEntries(entries []storage.HistoryEntry, status string) []storage.HistoryEntry {
	if status == "" {
		return entries
	}
	var filtered []storage.HistoryEntry
	for _, entry := range entries {
		if strings.EqualFold(entry.Status, status) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func outputHistory(out io.Writer, format string, entries []storage.HistoryEntry, detailed bool) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]interface{}{
			"count":   len(entries),
			"entries": entries,
		})
	case "yaml":
		encoder := yaml.NewEncoder(out)
		defer func() { _ = encoder.Close() }()
		return encoder.Encode(historyYAML(entries))
	case "table", "":
		if detailed {
			for i := range entries {
				printSummary(out, &entries[i])
			}
			return nil
		}
		outputHistoryTable(out, entries)
		return nil
	default:
		return fmt.Errorf("unsupported format '%s' (use table, json or yaml)", format)
	}
}

func outputHistoryTable(out io.Writer, entries []storage.HistoryEntry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No rotation history found matching criteria")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIMESTAMP\tRUN\tCLUSTER\tFROM\tTO\tSTATUS\tROTATED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "---------\t---\t-------\t----\t--\t------\t-------\t--------\t-----")

	for _, entry := range entries {
		errorMsg := "-"
		if entry.Error != "" {
			errorMsg = firstLine(entry.Error)
			if len(errorMsg) > 50 {
				errorMsg = errorMsg[:47] + "..."
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			entry.Timestamp.Local().Format("2006-01-02 15:04:05"),
			shortID(entry.ID),
			entry.Cluster,
			entry.Source,
			entry.Target,
			formatResult(entry.Status),
			entry.Rotated(), entry.Eligible(),
			formatDuration(entry.Duration),
			errorMsg,
		)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nShowing %d entries\n", len(entries))
}

func historyYAML(entries []storage.HistoryEntry) []map[string]interface{} {
	yamlEntries := make([]map[string]interface{}, len(entries))
	for i, entry := range entries {
		yamlEntry := map[string]interface{}{
			"id":          entry.ID,
			"timestamp":   entry.Timestamp.Format(time.RFC3339),
			"cluster":     entry.Cluster,
			"source":      entry.Source,
			"target":      entry.Target,
			"status":      entry.Status,
			"duration_ms": entry.Duration.Milliseconds(),
			"rotated":     entry.Rotated(),
			"eligible":    entry.Eligible(),
		}
		if entry.Error != "" {
			yamlEntry["error"] = entry.Error
		}
		if entry.FailedAt != "" {
			yamlEntry["failed_at"] = entry.FailedAt
		}
		if entry.User != "" {
			yamlEntry["user"] = entry.User
		}
		yamlEntries[i] = yamlEntry
	}
	return yamlEntries
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
