package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/rekey/internal/catalog"
	"github.com/systmms/rekey/internal/config"
	"github.com/systmms/rekey/internal/rotation"
	"github.com/systmms/rekey/pkg/secrets"
)

// NewPlanCommand creates the plan command
func NewPlanCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Count the records a rotation would touch",
		Long: `Plan lists every category in rotation order with the number of records a
rotation would update. Nothing is decrypted and no backend is contacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return err
			}
			def := cfg.Definition

			ctx, cancel := withTimeout(cmd.Context(), def)
			defer cancel()

			env, err := catalog.Open(ctx, def.Database)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			noop := secrets.NewPassthroughCodec(def.Cluster)
			plan, err := rotation.NewOrchestrator(env, noop, noop).Plan(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "PHASE\tCATEGORY\tRECORDS\tELIGIBLE")
			_, _ = fmt.Fprintln(w, "-----\t--------\t-------\t--------")
			for _, phase := range plan.Phases {
				_, _ = fmt.Fprintf(w, "%s\t\t%d\t%d\n", phase.Category, phase.Total, phase.Eligible)
				for _, s := range phase.Sources {
					if s.Total == 0 {
						continue
					}
					_, _ = fmt.Fprintf(w, "\t%s (%s)\t%d\t%d\n", s.Name, s.ConnectionType, s.Total, s.Eligible)
				}
			}
			_ = w.Flush()

			_, _ = fmt.Fprintf(out, "\n%d records would be rotated from '%s' to '%s'\n",
				plan.Eligible(), def.Rotation.Source, def.Rotation.Target)
			return nil
		},
	}

	return cmd
}
