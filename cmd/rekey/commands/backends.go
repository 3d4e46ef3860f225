package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/rekey/internal/backends"
	"github.com/systmms/rekey/internal/config"
	dserrors "github.com/systmms/rekey/internal/errors"
)

// NewBackendsCommand creates the backends command
func NewBackendsCommand(cfg *config.Config) *cobra.Command {
	var (
		check     bool
		verbose   bool
		initLocal bool
	)

	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List secrets backends",
		Long: `Display the backend types rekey supports and the backends declared in
rekey.yaml. With --check every declared backend is created and asked to
validate its connectivity and credentials.

--init-local prints a new age identity for the local backend together with
the public key values are encrypted to.`,
		Example: `  # Validate the configured source and target
  rekey backends --check

  # Create a key for the local backend
  rekey backends --init-local > ~/.config/rekey/age.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if initLocal {
				return printLocalIdentity(out)
			}
			registry := backends.NewRegistry()

			_, _ = fmt.Fprintln(out, "Backend Types:")
			_, _ = fmt.Fprintln(out, "==============")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "TYPE\tDESCRIPTION\tMARKER\n")
			_, _ = fmt.Fprintf(w, "----\t-----------\t------\n")
			for _, backendType := range registry.SupportedTypes() {
				description, marker := "No description available", "-"
				if c, err := backends.GetCapability(backendType); err == nil {
					description = c.DisplayName
					if c.Marker != "" {
						marker = c.Marker + ":"
					}
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", backendType, description, marker)
			}
			_ = w.Flush()

			if verbose {
				printBackendDetails(out, registry.SupportedTypes())
			}

			if err := cfg.Load(); err != nil {
				if check {
					return err
				}
				return nil
			}
			def := cfg.Definition

			_, _ = fmt.Fprintln(out, "\nConfigured Backends:")
			_, _ = fmt.Fprintln(out, "====================")
			names := def.BackendNames()
			if len(names) == 0 {
				_, _ = fmt.Fprintln(out, "No backends configured")
				return nil
			}

			debug := cfg.Logger != nil && cfg.Logger.IsDebug()
			var failed []string
			details := map[string]error{}
			w2 := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w2, "NAME\tTYPE\tROLE\tSTATUS\n")
			_, _ = fmt.Fprintf(w2, "----\t----\t----\t------\n")
			for _, name := range names {
				backendCfg := def.Backends[name]
				status := "configured"
				switch {
				case !registry.IsSupported(backendCfg.Type):
					status = "unsupported"
				case check:
					if err := checkBackend(cmd.Context(), registry, name, backendCfg); err != nil {
						status = "❌ " + firstLine(err.Error())
						failed = append(failed, name)
						details[name] = err
					} else {
						status = "✅ ok"
					}
				}
				_, _ = fmt.Fprintf(w2, "%s\t%s\t%s\t%s\n", name, backendCfg.Type, backendRole(def, name), status)
			}
			_ = w2.Flush()

			if debug && len(failed) > 0 {
				_, _ = fmt.Fprintln(out, "\nValidation Errors:")
				for _, name := range failed {
					_, _ = fmt.Fprintf(out, "  %s: %v\n", name, details[name])
				}
			}

			if len(failed) > 0 {
				return dserrors.UserError{
					Message:    fmt.Sprintf("%d backend(s) failed validation: %s", len(failed), strings.Join(failed, ", ")),
					Suggestion: "Re-run with --debug for details",
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Validate connectivity of configured backends")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show configuration keys of every backend type")
	cmd.Flags().BoolVar(&initLocal, "init-local", false, "Print a new age identity for the local backend and exit")

	return cmd
}

func checkBackend(ctx context.Context, registry *backends.Registry, name string, backendCfg config.BackendConfig) error {
	if missing := backends.ValidateRequired(backendCfg.Type, backendCfg.Config, os.Getenv); len(missing) > 0 {
		return dserrors.ConfigError{
			Field:   fmt.Sprintf("backends.%s", name),
			Message: "missing required keys: " + strings.Join(missing, ", "),
		}
	}

	backend, err := registry.Create(name, backendCfg)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := backend.Validate(ctx); err != nil {
		return dserrors.BackendError(backendCfg.Type, "validation", err)
	}
	return nil
}

// printLocalIdentity writes a key file in the format age-keygen uses.
func printLocalIdentity(out io.Writer) error {
	identity, err := backends.GenerateLocalIdentity()
	if err != nil {
		return fmt.Errorf("failed to generate age identity: %w", err)
	}
	local, err := backends.NewLocalBackend(map[string]interface{}{"identity": identity})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "# created: %s\n", time.Now().UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "# public key: %s\n", local.Recipient())
	_, _ = fmt.Fprintln(out, identity)
	return nil
}

func backendRole(def *config.Definition, name string) string {
	var roles []string
	if def.Rotation.Source == name {
		roles = append(roles, "source")
	}
	if def.Rotation.Target == name {
		roles = append(roles, "target")
	}
	if len(roles) == 0 {
		return "-"
	}
	return strings.Join(roles, ",")
}

func printBackendDetails(out io.Writer, types []string) {
	_, _ = fmt.Fprintln(out, "\nBackend Details:")
	_, _ = fmt.Fprintln(out, "================")
	for _, backendType := range types {
		c, err := backends.GetCapability(backendType)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(out, "\n%s (%s):\n", backendType, c.DisplayName)
		if len(c.RequiredConfig) > 0 {
			_, _ = fmt.Fprintf(out, "  • required: %s\n", strings.Join(c.RequiredConfig, ", "))
		}
		if len(c.OptionalConfig) > 0 {
			_, _ = fmt.Fprintf(out, "  • optional: %s\n", strings.Join(c.OptionalConfig, ", "))
		}
		if c.Notes != "" {
			_, _ = fmt.Fprintf(out, "  • %s\n", c.Notes)
		}
		if c.Documentation != "" {
			_, _ = fmt.Fprintf(out, "  • docs: %s\n", c.Documentation)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
