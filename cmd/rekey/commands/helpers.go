package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/systmms/rekey/internal/config"
	"github.com/systmms/rekey/internal/rotation/storage"
)

// historyStorage returns the run history store configured in def.
func historyStorage(def *config.Definition) *storage.FileStorage {
	dir := storage.DefaultStorageDir()
	if def != nil && def.History.Dir != "" {
		dir = def.History.Dir
	}
	return storage.NewFileStorage(dir)
}

// withTimeout applies the configured run timeout, if any.
func withTimeout(ctx context.Context, def *config.Definition) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout := def.Timeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}

	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	} else {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}

func formatResult(result string) string {
	switch result {
	case storage.StatusSuccess:
		return "✅ Success"
	case storage.StatusFailed:
		return "❌ Failed"
	case storage.StatusDryRun:
		return "🔎 Dry run"
	default:
		return result
	}
}

// printSummary writes the per-phase table of a run.
func printSummary(out io.Writer, entry *storage.HistoryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tSTATUS\tELIGIBLE\tROTATED\tCHANGED\tDURATION")
	_, _ = fmt.Fprintln(w, "-----\t------\t--------\t-------\t-------\t--------")
	for _, p := range entry.Phases {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			p.Category, formatResult(p.Status), p.Eligible, p.Rotated, p.Changed, formatDuration(p.Duration))
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nRun %s: %s, %d of %d records rotated in %s\n",
		entry.ID, formatResult(entry.Status), entry.Rotated(), entry.Eligible(), formatDuration(entry.Duration))
}
