package rotation

import (
	"context"
	"fmt"

	"github.com/systmms/rekey/internal/backends"
	"github.com/systmms/rekey/internal/catalog"
	"github.com/systmms/rekey/internal/config"
	"github.com/systmms/rekey/internal/rotation/storage"
	"github.com/systmms/rekey/pkg/secrets"
)

// WithBackends sets the factory registry Rotate builds backends from.
func WithBackends(r *backends.Registry) Option {
	return func(o *Orchestrator) { o.factory = r }
}

// WithSecretFields overrides the payload keys treated as secrets.
func WithSecretFields(fields ...string) Option {
	return func(o *Orchestrator) { o.secretFields = fields }
}

// Rotate builds the source and target codecs for cluster and rotates every
// record of env from one to the other. It stops at the first failure.
func Rotate(ctx context.Context, env *catalog.Environment, source, target config.BackendConfig, cluster string, opts ...Option) error {
	_, err := RotateWithSummary(ctx, env, source, target, cluster, opts...)
	return err
}

// RotateWithSummary is Rotate that also returns the run summary.
func RotateWithSummary(ctx context.Context, env *catalog.Environment, sourceCfg, targetCfg config.BackendConfig, cluster string, opts ...Option) (*storage.HistoryEntry, error) {
	o := NewOrchestrator(env, nil, nil, append([]Option{WithCluster(cluster)}, opts...)...)

	target, err := o.codec("target", targetCfg, cluster)
	if err != nil {
		return nil, err
	}
	// Values the target already protects were rotated by an earlier,
	// interrupted run and are carried over as they are.
	var resume []secrets.ManagerOption
	if marker := target.Backend().Marker(); marker != "" {
		resume = append(resume, secrets.WithResumeMarkers(marker))
	}
	source, err := o.codec("source", sourceCfg, cluster, resume...)
	if err != nil {
		return nil, err
	}
	o.source, o.target = source, target
	return o.Run(ctx)
}

func (o *Orchestrator) codec(name string, cfg config.BackendConfig, cluster string, extra ...secrets.ManagerOption) (*secrets.Manager, error) {
	factory := o.factory
	if factory == nil {
		factory = backends.NewRegistry()
	}
	backend, err := factory.Create(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", name, err)
	}
	if o.dryRun && name == "target" && storesExternally(cfg.Type) {
		o.logger.Info("Dry run: nothing is written to the %s store", cfg.Type)
		backend = dryRunBackend{Backend: backend}
	}

	managerOpts := []secrets.ManagerOption{secrets.WithLogger(o.logger)}
	if len(o.secretFields) > 0 {
		managerOpts = append(managerOpts, secrets.WithSecretFields(o.secretFields...))
	}
	managerOpts = append(managerOpts, extra...)
	return secrets.NewManager(backend, cluster, managerOpts...), nil
}

func storesExternally(backendType string) bool {
	capability, err := backends.GetCapability(backendType)
	return err == nil && capability.StoresExternally
}

// dryRunBackend returns the reference an external store would hand out
// without storing anything.
type dryRunBackend struct {
	secrets.Backend
}

func (b dryRunBackend) Protect(_ context.Context, path, _ string) (string, error) {
	return b.Marker() + ":" + path, nil
}
