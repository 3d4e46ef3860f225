// Package rotation moves the secrets embedded in metadata records from one
// secrets backend to another.
//
// A run is four fail-fast phases in fixed order: services, bot identities,
// ingestion pipelines and workflows. Every record is re-read by ID, decrypted
// with the source codec, encrypted with the target codec and written back.
// The first failure stops the run; records already written stay rotated.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/systmms/rekey/internal/backends"
	"github.com/systmms/rekey/internal/catalog"
	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/logging"
	"github.com/systmms/rekey/internal/rotation/storage"
	"github.com/systmms/rekey/pkg/entity"
	"github.com/systmms/rekey/pkg/secrets"
)

// Orchestrator drives one rotation run.
type Orchestrator struct {
	env     *catalog.Environment
	source  secrets.Codec
	target  secrets.Codec
	cluster string

	workers int
	dryRun  bool
	logger  *logging.Logger
	metrics *Metrics
	history storage.Storage

	factory      *backends.Registry
	secretFields []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets how many records of a phase are rotated concurrently.
// Values below 1 mean 1.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		o.workers = n
	}
}

// WithDryRun decrypts and re-encrypts every record without writing it back.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.Named("rotation")
		}
	}
}

// WithMetrics records progress in Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHistory saves a history entry for every run.
func WithHistory(s storage.Storage) Option {
	return func(o *Orchestrator) { o.history = s }
}

// WithCluster records the cluster name in the run history.
func WithCluster(cluster string) Option {
	return func(o *Orchestrator) { o.cluster = cluster }
}

// NewOrchestrator creates an orchestrator that rotates env from source to
// target.
func NewOrchestrator(env *catalog.Environment, source, target secrets.Codec, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		env:     env,
		source:  source,
		target:  target,
		workers: 1,
		logger:  logging.New(false, true).Named("rotation"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes all phases and returns the run summary. The summary is
// returned even when the run fails and shows how far it got.
func (o *Orchestrator) Run(ctx context.Context) (*storage.HistoryEntry, error) {
	entry := &storage.HistoryEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Cluster:   o.cluster,
		Source:    o.source.Name(),
		Target:    o.target.Name(),
		Workers:   o.workers,
		User:      os.Getenv("USER"),
	}
	start := time.Now()

	err := o.run(ctx, entry)

	entry.Duration = time.Since(start)
	switch {
	case err != nil:
		entry.Status = storage.StatusFailed
		entry.Error = err.Error()
		entry.Retryable = dserrors.IsRetryable(err)
	case o.dryRun:
		entry.Status = storage.StatusDryRun
	default:
		entry.Status = storage.StatusSuccess
	}
	o.metrics.recordRun(entry.Status)

	if o.history != nil {
		if herr := o.history.SaveRun(entry); herr != nil {
			o.logger.Warn("Failed to save run history: %v", herr)
		}
	}
	return entry, err
}

func (o *Orchestrator) run(ctx context.Context, entry *storage.HistoryEntry) error {
	if o.env == nil || o.env.Registry == nil {
		return &dserrors.RotationError{Phase: string(entity.CategoryService), Err: dserrors.ErrRegistryEmpty}
	}

	phases := []struct {
		category entity.Category
		run      func(context.Context, *storage.PhaseResult) error
	}{
		{entity.CategoryService, o.rotateServices},
		{entity.CategoryBotIdentity, o.rotateBots},
		{entity.CategoryIngestionPipeline, o.rotatePipelines},
		{entity.CategoryWorkflow, o.rotateWorkflows},
	}

	o.logger.Info("Rotating secrets from %s to %s", o.source.Name(), o.target.Name())
	for _, p := range phases {
		result := storage.PhaseResult{Category: string(p.category), StartedAt: time.Now().UTC()}
		err := p.run(ctx, &result)
		result.CompletedAt = time.Now().UTC()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		o.metrics.recordPhase(result.Category, result.Duration)

		if err != nil {
			result.Status = storage.StatusFailed
			result.Error = err.Error()
			entry.Phases = append(entry.Phases, result)
			entry.FailedAt = recordOf(err)
			o.logger.Error("Phase %s failed after %d of %d records", result.Category, result.Rotated, result.Eligible)
			return err
		}

		result.Status = storage.StatusSuccess
		entry.Phases = append(entry.Phases, result)
		o.logger.Info("Phase %s: %d of %d records rotated (%d changed)", result.Category, result.Rotated, result.Eligible, result.Changed)
	}
	return nil
}

func (o *Orchestrator) rotateServices(ctx context.Context, result *storage.PhaseResult) error {
	category := string(entity.CategoryService)

	var eligible []*entity.Service
	for _, repo := range o.env.Registry.Repositories() {
		services, err := repo.ListAll(ctx)
		if err != nil {
			return &dserrors.RotationError{Phase: category, Message: "failed to list " + repo.ServiceCategory(), Err: err}
		}
		for _, svc := range services {
			if !svc.HasConfig() {
				o.metrics.recordRecord(category, recordSkipped)
				continue
			}
			eligible = append(eligible, svc)
		}
	}

	return o.forEach(ctx, result, len(eligible), func(ctx context.Context, i int) (outcome, error) {
		listed := eligible[i]
		repo, err := o.env.Registry.Lookup(listed.ConnectionType)
		if err != nil {
			return failed, o.fail(category, listed.ID, "", err)
		}

		svc, err := repo.Get(ctx, listed.ID)
		if err != nil {
			return failed, o.fail(category, listed.ID, "", err)
		}
		if !svc.HasConfig() {
			o.logger.Debug("Service %s lost its connection config, skipping", svc.Name)
			return skipped, nil
		}

		current := svc.Connection.Config
		plain, err := o.source.DecryptServiceConnection(ctx, current, svc.ServiceType, svc.ConnectionType)
		if err != nil {
			return failed, o.fail(category, svc.ID, "decrypt", err)
		}
		protected, err := o.target.EncryptServiceConnection(ctx, plain, svc.ServiceType, svc.Name, svc.ConnectionType)
		if err != nil {
			return failed, o.fail(category, svc.ID, "encrypt", err)
		}
		svc.Connection.Config = protected

		return o.persist(category, svc.ID, changedIf(current, protected), func() error { return repo.Update(ctx, svc) })
	})
}

func (o *Orchestrator) rotateBots(ctx context.Context, result *storage.PhaseResult) error {
	category := string(entity.CategoryBotIdentity)

	users, err := o.env.Users.ListAll(ctx)
	if err != nil {
		return &dserrors.RotationError{Phase: category, Message: "failed to list users", Err: err}
	}
	var bots []*entity.User
	for _, u := range users {
		if u.Bot() {
			bots = append(bots, u)
		}
	}

	return o.forEach(ctx, result, len(bots), func(ctx context.Context, i int) (outcome, error) {
		user, err := o.env.Users.Get(ctx, bots[i].ID)
		if err != nil {
			return failed, o.fail(category, bots[i].ID, "", err)
		}

		before := user.AuthenticationMechanism.Clone()
		if err := o.source.DecryptAuthMechanism(ctx, user.Name, user.AuthenticationMechanism); err != nil {
			return failed, o.fail(category, user.ID, "decrypt", err)
		}
		if err := o.target.EncryptAuthMechanism(ctx, user.Name, user.AuthenticationMechanism); err != nil {
			return failed, o.fail(category, user.ID, "encrypt", err)
		}

		return o.persist(category, user.ID, changedIf(before, user.AuthenticationMechanism), func() error { return o.env.Users.Update(ctx, user) })
	})
}

func (o *Orchestrator) rotatePipelines(ctx context.Context, result *storage.PhaseResult) error {
	category := string(entity.CategoryIngestionPipeline)

	pipelines, err := o.env.IngestionPipelines.ListAll(ctx)
	if err != nil {
		return &dserrors.RotationError{Phase: category, Message: "failed to list ingestion pipelines", Err: err}
	}

	return o.forEach(ctx, result, len(pipelines), func(ctx context.Context, i int) (outcome, error) {
		pipeline, err := o.env.IngestionPipelines.Get(ctx, pipelines[i].ID)
		if err != nil {
			return failed, o.fail(category, pipelines[i].ID, "", err)
		}

		before := pipeline.Clone()
		if err := o.source.DecryptIngestionPipeline(ctx, pipeline); err != nil {
			return failed, o.fail(category, pipeline.ID, "decrypt", err)
		}
		if err := o.target.EncryptIngestionPipeline(ctx, pipeline); err != nil {
			return failed, o.fail(category, pipeline.ID, "encrypt", err)
		}

		return o.persist(category, pipeline.ID, changedIf(before.SourceConfig, pipeline.SourceConfig), func() error { return o.env.IngestionPipelines.Update(ctx, pipeline) })
	})
}

func (o *Orchestrator) rotateWorkflows(ctx context.Context, result *storage.PhaseResult) error {
	category := string(entity.CategoryWorkflow)

	workflows, err := o.env.Workflows.ListAll(ctx)
	if err != nil {
		return &dserrors.RotationError{Phase: category, Message: "failed to list workflows", Err: err}
	}

	return o.forEach(ctx, result, len(workflows), func(ctx context.Context, i int) (outcome, error) {
		workflow, err := o.env.Workflows.Get(ctx, workflows[i].ID)
		if err != nil {
			return failed, o.fail(category, workflows[i].ID, "", err)
		}

		plain, err := o.source.DecryptWorkflow(ctx, workflow)
		if err != nil {
			return failed, o.fail(category, workflow.ID, "decrypt", err)
		}
		protected, err := o.target.EncryptWorkflow(ctx, plain)
		if err != nil {
			return failed, o.fail(category, workflow.ID, "encrypt", err)
		}

		return o.persist(category, protected.ID, changedIf(workflow.Request, protected.Request), func() error { return o.env.Workflows.Update(ctx, protected) })
	})
}

// outcome is what happened to a single record.
type outcome int

const (
	failed outcome = iota
	unchanged
	changed
	skipped
)

func changedIf(before, after interface{}) outcome {
	if reflect.DeepEqual(before, after) {
		return unchanged
	}
	return changed
}

// rotateFunc rotates the i-th eligible record of a phase.
type rotateFunc func(ctx context.Context, i int) (outcome, error)

// forEach runs fn for n records. The caller's context is only consulted
// between records; a started record runs to completion on a context that is
// never cancelled. With more than one worker the first failure stops new
// records from starting and is the error returned.
func (o *Orchestrator) forEach(ctx context.Context, result *storage.PhaseResult, n int, fn rotateFunc) error {
	result.Eligible = n
	category := result.Category

	var mu sync.Mutex
	record := func(i int) error {
		out, err := fn(context.WithoutCancel(ctx), i)
		status := recordRotated
		switch {
		case err != nil:
			status = recordFailed
		case out == skipped:
			status = recordSkipped
		case o.dryRun:
			status = recordDryRun
		}
		o.metrics.recordRecord(category, status)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		switch {
		case out == skipped:
			result.Skipped++
			return nil
		case !o.dryRun:
			result.Rotated++
		}
		if out == changed {
			result.Changed++
		}
		return nil
	}

	if o.workers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return &dserrors.RotationError{Phase: category, Message: "run cancelled", Err: err}
			}
			if err := record(i); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up after another record failed.
			if gctx.Err() != nil {
				return nil
			}
			return record(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &dserrors.RotationError{Phase: category, Message: "run cancelled", Err: err}
	}
	return nil
}

// persist writes a rotated record unless the run is a dry run.
func (o *Orchestrator) persist(category, id string, out outcome, update func() error) (outcome, error) {
	if o.dryRun {
		o.logger.Debug("Dry run: not writing %s %s", category, id)
		return out, nil
	}
	if err := update(); err != nil {
		return failed, o.fail(category, id, "update", err)
	}
	return out, nil
}

func (o *Orchestrator) fail(category, id, step string, err error) error {
	msg := ""
	if step != "" {
		msg = fmt.Sprintf("%s failed", step)
	}
	return &dserrors.RotationError{Phase: category, RecordID: id, Message: msg, Err: err}
}

func recordOf(err error) string {
	var rerr *dserrors.RotationError
	if errors.As(err, &rerr) {
		return rerr.RecordID
	}
	return ""
}
