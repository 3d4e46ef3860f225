package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/rekey/internal/catalog"
	"github.com/systmms/rekey/internal/config"
	"github.com/systmms/rekey/internal/logging"
	"github.com/systmms/rekey/internal/rotation"
)

// NewRotateCommand creates the rotate command
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		from    string
		to      string
		cluster string
		workers int
		dryRun  bool
		hold    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Move every stored secret from the source backend to the target backend",
		Long: `Rotate decrypts the secrets of every service connection, bot identity,
ingestion pipeline and workflow with the source backend, encrypts them with the
target backend and writes the records back.

The run stops at the first failure. Records rotated before the failure stay in
the target encoding; the remaining records are still in the source encoding.
Fix the cause and re-run: values already protected by the target are left as
they are.`,
		Example: `  # Rotate using rotation.source and rotation.target from rekey.yaml
  rekey rotate

  # Move from plaintext to AWS Secrets Manager for one cluster
  rekey rotate --from noop --to aws --cluster prod-eu

  # See what would change without writing anything
  rekey rotate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return err
			}
			def := cfg.Definition
			logger := cfg.Logger
			if logger == nil {
				logger = logging.New(false, true)
			}

			if from == "" {
				from = def.Rotation.Source
			}
			if to == "" {
				to = def.Rotation.Target
			}
			if cluster == "" {
				cluster = def.Cluster
			}
			if !cmd.Flags().Changed("workers") {
				workers = def.Rotation.Workers
			}

			source, err := def.Backend(from)
			if err != nil {
				return err
			}
			target, err := def.Backend(to)
			if err != nil {
				return err
			}

			ctx, cancel := withTimeout(cmd.Context(), def)
			defer cancel()

			env, err := catalog.Open(ctx, def.Database)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			if def.Metrics.Listen != "" {
				server := rotation.StartMetricsServer(def.Metrics.Listen)
				defer func() {
					if hold > 0 {
						logger.Info("Serving metrics on %s for %s", def.Metrics.Listen, hold)
						holdMetrics(cmd.Context(), hold)
					}
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					if err := server.Stop(shutdownCtx); err != nil {
						logger.Warn("Metrics server: %v", err)
					}
				}()
			}

			opts := []rotation.Option{
				rotation.WithWorkers(workers),
				rotation.WithDryRun(dryRun),
				rotation.WithLogger(logger),
				rotation.WithMetrics(rotation.NewMetrics()),
				rotation.WithHistory(historyStorage(def)),
			}
			if len(def.SecretFields) > 0 {
				opts = append(opts, rotation.WithSecretFields(def.SecretFields...))
			}

			logger.Info("Rotating cluster %s from '%s' (%s) to '%s' (%s)", cluster, from, source.Type, to, target.Type)
			summary, err := rotation.RotateWithSummary(ctx, env, source, target, cluster, opts...)
			if summary != nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout())
				printSummary(cmd.OutOrStdout(), summary)
			}
			if err != nil {
				if summary != nil && summary.Rotated() > 0 {
					logger.Warn("Rotation did not complete: %d records are already protected by '%s', the rest are still protected by '%s'", summary.Rotated(), to, from)
					logger.Warn("Do not switch the platform to the new backend until a re-run succeeds")
				}
				if summary != nil && summary.Retryable {
					logger.Warn("The failure looks transient; re-running picks up where this run stopped")
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Source backend name (default: rotation.source)")
	cmd.Flags().StringVar(&to, "to", "", "Target backend name (default: rotation.target)")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Cluster name used in secret paths (default: cluster)")
	cmd.Flags().IntVar(&workers, "workers", 1, "Records rotated concurrently within a phase")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Decrypt and re-encrypt without writing records or external secret stores")
	cmd.Flags().DurationVar(&hold, "metrics-hold", 0, "Keep the metrics endpoint up this long after the run so it can be scraped")

	return cmd
}

// holdMetrics blocks until d has passed or ctx is done.
func holdMetrics(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
