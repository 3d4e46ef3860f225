package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rekey/internal/backends"
	"github.com/systmms/rekey/internal/catalog"
	"github.com/systmms/rekey/internal/config"
	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/registry"
	"github.com/systmms/rekey/internal/rotation/storage"
	"github.com/systmms/rekey/internal/store/memstore"
	"github.com/systmms/rekey/pkg/entity"
	"github.com/systmms/rekey/pkg/secrets"
)

// echoBackend protects a value as "echo:<cluster>".
type echoBackend struct{}

func (echoBackend) Name() string   { return "echo" }
func (echoBackend) Marker() string { return "echo" }

func (echoBackend) Protect(_ context.Context, path, _ string) (string, error) {
	cluster := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
	return "echo:" + cluster, nil
}

func (echoBackend) Reveal(context.Context, string, string) (string, error) {
	return "plain", nil
}

func (echoBackend) Validate(context.Context) error { return nil }

func echoRegistry() *backends.Registry {
	r := backends.NewRegistry()
	r.Register("echo", func(map[string]interface{}) (secrets.Backend, error) {
		return echoBackend{}, nil
	})
	return r
}

func boolPtr(b bool) *bool { return &b }

type fixture struct {
	db  *memstore.Database
	env *catalog.Environment
}

func (f *fixture) table(t *testing.T, connectionType string) *memstore.ServiceTable {
	t.Helper()
	repo, err := f.env.Registry.Lookup(connectionType)
	require.NoError(t, err)
	return repo.(*memstore.ServiceTable)
}

// newFixture seeds three services (one without config), a bot, a human
// user, a pipeline and a workflow, all tagged "plain".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memstore.New()
	env, err := catalog.NewMemoryEnvironment(db, &catalog.Fixtures{
		Services: map[string][]*entity.Service{
			"databaseService": {
				{ID: "svc-mysql", Name: "mysql-prod", ServiceType: "Mysql",
					Connection: &entity.ServiceConnection{Config: entity.Config{"tag": "plain", "host": "db"}}},
				{ID: "svc-empty", Name: "empty", ServiceType: "Mysql"},
			},
			"dashboardService": {
				{ID: "svc-looker", Name: "looker", ServiceType: "Looker",
					Connection: &entity.ServiceConnection{Config: entity.Config{"tag": "plain"}}},
			},
		},
		Users: []*entity.User{
			{ID: "usr-bot", Name: "ingestion-bot", IsBot: boolPtr(true),
				AuthenticationMechanism: &entity.AuthMechanism{AuthType: "JWT", Config: entity.Config{"tag": "plain"}}},
			{ID: "usr-alice", Name: "alice", IsBot: boolPtr(false),
				AuthenticationMechanism: &entity.AuthMechanism{AuthType: "BASIC", Config: entity.Config{"tag": "plain"}}},
		},
		IngestionPipelines: []*entity.IngestionPipeline{
			{ID: "pl-dbt", Name: "dbt", PipelineType: "dbt",
				SourceConfig: &entity.SourceConfig{Config: entity.Config{"dbtConfig": map[string]interface{}{"tag": "plain"}}}},
		},
		Workflows: []*entity.Workflow{
			{ID: "wf-test", Name: "test-connection", WorkflowType: "TEST_CONNECTION", Request: entity.Config{"tag": "plain"}},
		},
	})
	require.NoError(t, err)
	return &fixture{db: db, env: env}
}

func TestRotateEndToEnd(t *testing.T) {
	f := newFixture(t)

	err := Rotate(context.Background(), f.env,
		config.BackendConfig{Type: "noop"},
		config.BackendConfig{Type: "echo"},
		"cluster-a",
		WithBackends(echoRegistry()),
		WithSecretFields("tag"),
	)
	require.NoError(t, err)

	assert.Equal(t, []memstore.Entry{
		{Entity: "databaseService", ID: "svc-mysql"},
		{Entity: "dashboardService", ID: "svc-looker"},
		{Entity: "user", ID: "usr-bot"},
		{Entity: "ingestionPipeline", ID: "pl-dbt"},
		{Entity: "workflow", ID: "wf-test"},
	}, f.db.Journal.Entries())

	databases := f.table(t, "DatabaseConnection")
	mysql, _ := databases.Record("svc-mysql")
	assert.Equal(t, "echo:cluster-a", mysql.Connection.Config["tag"])
	assert.Equal(t, "db", mysql.Connection.Config["host"])
	empty, _ := databases.Record("svc-empty")
	assert.Nil(t, empty.Connection)

	looker, _ := f.table(t, "DashboardConnection").Record("svc-looker")
	assert.Equal(t, "echo:cluster-a", looker.Connection.Config["tag"])

	users := f.env.Users.(*memstore.Table[*entity.User])
	bot, _ := users.Record("usr-bot")
	assert.Equal(t, "echo:cluster-a", bot.AuthenticationMechanism.Config["tag"])
	alice, _ := users.Record("usr-alice")
	assert.Equal(t, "plain", alice.AuthenticationMechanism.Config["tag"])

	pipeline, _ := f.env.IngestionPipelines.(*memstore.Table[*entity.IngestionPipeline]).Record("pl-dbt")
	assert.Equal(t, "echo:cluster-a", pipeline.SourceConfig.Config.GetString("dbtConfig", "tag"))

	workflow, _ := f.env.Workflows.(*memstore.Table[*entity.Workflow]).Record("wf-test")
	assert.Equal(t, "echo:cluster-a", workflow.Request["tag"])
}

func TestRecordsAreReloadedByID(t *testing.T) {
	f := newFixture(t)

	_, err := NewOrchestrator(f.env, secrets.NewPassthroughCodec("c"), secrets.NewPassthroughCodec("c")).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.table(t, "DatabaseConnection").Gets())
	assert.Equal(t, 1, f.table(t, "DashboardConnection").Gets())
	assert.Equal(t, 1, f.env.Users.(*memstore.Table[*entity.User]).Gets())
	assert.Equal(t, 1, f.env.Workflows.(*memstore.Table[*entity.Workflow]).Gets())
}

func TestPassthroughRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	noop := secrets.NewPassthroughCodec("c")

	for i := 0; i < 2; i++ {
		summary, err := NewOrchestrator(f.env, noop, noop).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, summary.Rotated())
		for _, phase := range summary.Phases {
			assert.Zero(t, phase.Changed, phase.Category)
		}
	}

	mysql, _ := f.table(t, "DatabaseConnection").Record("svc-mysql")
	assert.Equal(t, "plain", mysql.Connection.Config["tag"])
}

func TestEncryptedRerunDoesNotDoubleEncrypt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := []Option{WithBackends(echoRegistry()), WithSecretFields("tag")}

	require.NoError(t, Rotate(ctx, f.env, config.BackendConfig{Type: "noop"}, config.BackendConfig{Type: "echo"}, "cluster-a", opts...))
	summary, err := RotateWithSummary(ctx, f.env, config.BackendConfig{Type: "noop"}, config.BackendConfig{Type: "echo"}, "cluster-a", opts...)
	require.NoError(t, err)

	for _, phase := range summary.Phases {
		assert.Zero(t, phase.Changed, phase.Category)
	}
	mysql, _ := f.table(t, "DatabaseConnection").Record("svc-mysql")
	assert.Equal(t, "echo:cluster-a", mysql.Connection.Config["tag"])
}

// spyCodec records every call and fails for the listed record names.
type spyCodec struct {
	secrets.Codec
	mu     sync.Mutex
	calls  []string
	failOn map[string]bool
}

func newSpy(failOn ...string) *spyCodec {
	s := &spyCodec{Codec: secrets.NewPassthroughCodec("c"), failOn: map[string]bool{}}
	for _, name := range failOn {
		s.failOn[name] = true
	}
	return s
}

func (s *spyCodec) record(call, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.failOn[name] {
		return &dserrors.SecretCodecError{Backend: "spy", Operation: "encrypt", Err: fmt.Errorf("refused %s", name)}
	}
	return nil
}

func (s *spyCodec) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *spyCodec) DecryptServiceConnection(ctx context.Context, cfg entity.Config, serviceType, connectionType string) (entity.Config, error) {
	if err := s.record("decrypt "+serviceType+" "+connectionType, ""); err != nil {
		return nil, err
	}
	return s.Codec.DecryptServiceConnection(ctx, cfg, serviceType, connectionType)
}

func (s *spyCodec) EncryptServiceConnection(ctx context.Context, cfg entity.Config, serviceType, serviceName, connectionType string) (entity.Config, error) {
	if err := s.record("encrypt "+serviceType+" "+serviceName+" "+connectionType, serviceName); err != nil {
		return nil, err
	}
	return s.Codec.EncryptServiceConnection(ctx, cfg, serviceType, serviceName, connectionType)
}

func (s *spyCodec) EncryptAuthMechanism(ctx context.Context, botName string, m *entity.AuthMechanism) error {
	if err := s.record("encrypt bot "+botName, botName); err != nil {
		return err
	}
	return s.Codec.EncryptAuthMechanism(ctx, botName, m)
}

func TestDiscriminatorsReachCodecs(t *testing.T) {
	f := newFixture(t)
	source, target := newSpy(), newSpy()

	_, err := NewOrchestrator(f.env, source, target).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"decrypt Mysql DatabaseConnection",
		"decrypt Looker DashboardConnection",
	}, source.Calls())
	assert.Equal(t, []string{
		"encrypt Mysql mysql-prod DatabaseConnection",
		"encrypt Looker looker DashboardConnection",
		"encrypt bot ingestion-bot",
	}, target.Calls())
}

func TestFailFastOnCodecError(t *testing.T) {
	f := newFixture(t)

	summary, err := NewOrchestrator(f.env, secrets.NewPassthroughCodec("c"), newSpy("ingestion-bot")).Run(context.Background())
	require.Error(t, err)

	var rotationErr *dserrors.RotationError
	require.True(t, errors.As(err, &rotationErr))
	assert.Equal(t, string(entity.CategoryBotIdentity), rotationErr.Phase)
	assert.Equal(t, "usr-bot", rotationErr.RecordID)

	var codecErr *dserrors.SecretCodecError
	assert.True(t, errors.As(err, &codecErr))

	// Services were rotated, nothing after the failing bot was touched.
	assert.Equal(t, []string{"svc-mysql", "svc-looker"}, f.db.Journal.IDs())
	assert.Equal(t, 0, f.env.IngestionPipelines.(*memstore.Table[*entity.IngestionPipeline]).Gets())
	assert.Equal(t, storage.StatusFailed, summary.Status)
	assert.Equal(t, "usr-bot", summary.FailedAt)
	require.Len(t, summary.Phases, 2)
	assert.Equal(t, 2, summary.Phases[0].Rotated)
}

func TestFailFastOnStoreError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("deadlock detected")
	f.table(t, "DatabaseConnection").FailUpdate("svc-mysql", boom)

	err := Rotate(context.Background(), f.env, config.BackendConfig{Type: "noop"}, config.BackendConfig{Type: "noop"}, "c")
	require.Error(t, err)

	var storeErr *dserrors.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.db.Journal.Entries())
	assert.Equal(t, 0, f.table(t, "DashboardConnection").Gets())
}

func TestListFailure(t *testing.T) {
	f := newFixture(t)
	f.env.Workflows.(*memstore.Table[*entity.Workflow]).FailList(errors.New("timeout"))

	noop := secrets.NewPassthroughCodec("c")
	_, err := NewOrchestrator(f.env, noop, noop).Run(context.Background())

	var rotationErr *dserrors.RotationError
	require.True(t, errors.As(err, &rotationErr))
	assert.Equal(t, string(entity.CategoryWorkflow), rotationErr.Phase)
	assert.Len(t, f.db.Journal.Entries(), 4)
}

// mislabeled stamps a connection type no repository is registered for.
type mislabeled struct {
	*memstore.ServiceTable
}

func (m mislabeled) ListAll(ctx context.Context) ([]*entity.Service, error) {
	services, err := m.ServiceTable.ListAll(ctx)
	for _, s := range services {
		s.ConnectionType = "FooConnection"
	}
	return services, err
}

func TestUnmappedConnectionType(t *testing.T) {
	db := memstore.New()
	table := db.Services("databaseService", "DatabaseConnection", &entity.Service{
		ID: "s", Name: "s", Connection: &entity.ServiceConnection{Config: entity.Config{}},
	})
	reg, err := registry.Build([]registry.Descriptor{
		{Name: "databaseService", ConnectionType: "DatabaseConnection", Services: mislabeled{table}},
	})
	require.NoError(t, err)

	env := &catalog.Environment{Registry: reg, Users: db.Users(), IngestionPipelines: db.IngestionPipelines(), Workflows: db.Workflows()}
	noop := secrets.NewPassthroughCodec("c")
	_, err = NewOrchestrator(env, noop, noop).Run(context.Background())

	var unmapped *dserrors.UnmappedConnectionTypeError
	require.True(t, errors.As(err, &unmapped))
	assert.Equal(t, "FooConnection", unmapped.ConnectionType)
	assert.Empty(t, db.Journal.Entries())
}

func TestMissingRegistry(t *testing.T) {
	noop := secrets.NewPassthroughCodec("c")
	_, err := NewOrchestrator(&catalog.Environment{}, noop, noop).Run(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrRegistryEmpty)
}

func TestCancelledContextStopsAtRecordBoundary(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	noop := secrets.NewPassthroughCodec("c")
	_, err := NewOrchestrator(f.env, noop, noop).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.db.Journal.Entries())
}

func TestDryRun(t *testing.T) {
	f := newFixture(t)

	summary, err := RotateWithSummary(context.Background(), f.env,
		config.BackendConfig{Type: "noop"}, config.BackendConfig{Type: "echo"}, "cluster-a",
		WithBackends(echoRegistry()), WithSecretFields("tag"), WithDryRun(true))
	require.NoError(t, err)

	assert.Empty(t, f.db.Journal.Entries())
	assert.Equal(t, storage.StatusDryRun, summary.Status)
	assert.Equal(t, 0, summary.Rotated())
	assert.Equal(t, 5, summary.Eligible())
	for _, phase := range summary.Phases {
		assert.Equal(t, phase.Eligible, phase.Changed, phase.Category)
	}
}

func TestParallelWorkers(t *testing.T) {
	db := memstore.New()
	var services []*entity.Service
	for i := 0; i < 40; i++ {
		services = append(services, &entity.Service{
			ID: fmt.Sprintf("s%02d", i), Name: fmt.Sprintf("svc-%02d", i), ServiceType: "Mysql",
			Connection: &entity.ServiceConnection{Config: entity.Config{"password": "p"}},
		})
	}
	env, err := catalog.NewMemoryEnvironment(db, &catalog.Fixtures{
		Services: map[string][]*entity.Service{"databaseService": services},
	})
	require.NoError(t, err)

	target := newSpy()
	noop := secrets.NewPassthroughCodec("c")
	_, err = NewOrchestrator(env, noop, target, WithWorkers(8)).Run(context.Background())
	require.NoError(t, err)

	ids := db.Journal.IDs()
	assert.Len(t, ids, 40)
	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "record %s processed twice", id)
		seen[id] = true
	}
}

func TestParallelFailFast(t *testing.T) {
	db := memstore.New()
	var services []*entity.Service
	for i := 0; i < 40; i++ {
		services = append(services, &entity.Service{
			ID: fmt.Sprintf("s%02d", i), Name: fmt.Sprintf("svc-%02d", i), ServiceType: "Mysql",
			Connection: &entity.ServiceConnection{Config: entity.Config{"password": "p"}},
		})
	}
	env, err := catalog.NewMemoryEnvironment(db, &catalog.Fixtures{
		Services: map[string][]*entity.Service{"databaseService": services},
		Users:    []*entity.User{{ID: "bot", Name: "bot", IsBot: boolPtr(true)}},
	})
	require.NoError(t, err)

	noop := secrets.NewPassthroughCodec("c")
	_, err = NewOrchestrator(env, noop, newSpy("svc-03"), WithWorkers(4)).Run(context.Background())
	require.Error(t, err)

	var rotationErr *dserrors.RotationError
	require.True(t, errors.As(err, &rotationErr))
	assert.Equal(t, "s03", rotationErr.RecordID)
	assert.NotContains(t, db.Journal.IDs(), "s03")
	assert.NotContains(t, db.Journal.IDs(), "bot", "later phases never start")
}

func TestHistoryAndMetrics(t *testing.T) {
	f := newFixture(t)
	history := storage.NewFileStorage(t.TempDir())
	metrics := NewMetrics()
	before := testutil.ToFloat64(recordsRotatedTotal.WithLabelValues(string(entity.CategoryService), recordSkipped))

	noop := secrets.NewPassthroughCodec("c")
	summary, err := NewOrchestrator(f.env, noop, noop,
		WithHistory(history), WithMetrics(metrics), WithCluster("cluster-a"), WithWorkers(2)).Run(context.Background())
	require.NoError(t, err)

	saved, err := history.GetRun(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "cluster-a", saved.Cluster)
	assert.Equal(t, storage.StatusSuccess, saved.Status)
	assert.Equal(t, 2, saved.Workers)
	require.Len(t, saved.Phases, 4)
	assert.Equal(t, []string{"services", "bot-identities", "ingestion-pipelines", "workflows"},
		[]string{saved.Phases[0].Category, saved.Phases[1].Category, saved.Phases[2].Category, saved.Phases[3].Category})

	after := testutil.ToFloat64(recordsRotatedTotal.WithLabelValues(string(entity.CategoryService), recordSkipped))
	assert.Equal(t, 1.0, after-before)
}

func TestPlan(t *testing.T) {
	f := newFixture(t)
	noop := secrets.NewPassthroughCodec("c")

	plan, err := NewOrchestrator(f.env, noop, noop).Plan(context.Background())
	require.NoError(t, err)

	require.Len(t, plan.Phases, 4)
	services := plan.Phases[0]
	assert.Equal(t, 3, services.Total)
	assert.Equal(t, 2, services.Eligible)
	assert.Equal(t, "databaseService", services.Sources[0].Name)
	assert.Equal(t, 1, services.Sources[0].Eligible)
	assert.Equal(t, 2, plan.Phases[1].Total)
	assert.Equal(t, 1, plan.Phases[1].Eligible)
	assert.Equal(t, 5, plan.Eligible())
	assert.Empty(t, f.db.Journal.Entries())
}

func TestUnknownBackendType(t *testing.T) {
	f := newFixture(t)
	err := Rotate(context.Background(), f.env, config.BackendConfig{Type: "noop"}, config.BackendConfig{Type: "nope"}, "c")

	var cfgErr dserrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Empty(t, f.db.Journal.Entries())
}

// legacyBackend stands in for a live source store: "legacy:<x>" reveals "plain".
type legacyBackend struct{}

func (legacyBackend) Name() string   { return "legacy" }
func (legacyBackend) Marker() string { return "legacy" }

func (legacyBackend) Protect(_ context.Context, path, _ string) (string, error) {
	return "legacy:" + path, nil
}

func (legacyBackend) Reveal(_ context.Context, _, value string) (string, error) {
	if !strings.HasPrefix(value, "legacy:") {
		return "", fmt.Errorf("not a legacy reference: %s", value)
	}
	return "plain", nil
}

func (legacyBackend) Validate(context.Context) error { return nil }

func TestRerunAfterPartialRotationFromLiveSource(t *testing.T) {
	db := memstore.New()
	env, err := catalog.NewMemoryEnvironment(db, &catalog.Fixtures{
		Services: map[string][]*entity.Service{
			"databaseService": {
				{ID: "svc-done", Name: "done", ServiceType: "Mysql",
					Connection: &entity.ServiceConnection{Config: entity.Config{"tag": "echo:cluster-a"}}},
				{ID: "svc-todo", Name: "todo", ServiceType: "Mysql",
					Connection: &entity.ServiceConnection{Config: entity.Config{"tag": "legacy:/x"}}},
			},
		},
	})
	require.NoError(t, err)

	factory := echoRegistry()
	factory.Register("legacy", func(map[string]interface{}) (secrets.Backend, error) {
		return legacyBackend{}, nil
	})

	err = Rotate(context.Background(), env,
		config.BackendConfig{Type: "legacy"},
		config.BackendConfig{Type: "echo"},
		"cluster-a",
		WithBackends(factory),
		WithSecretFields("tag"),
	)
	require.NoError(t, err)

	repo, err := env.Registry.Lookup("DatabaseConnection")
	require.NoError(t, err)
	table := repo.(*memstore.ServiceTable)
	done, _ := table.Record("svc-done")
	assert.Equal(t, "echo:cluster-a", done.Connection.Config["tag"])
	todo, _ := table.Record("svc-todo")
	assert.Equal(t, "echo:cluster-a", todo.Connection.Config["tag"])
}

func TestUnrelatedMarkerStillFails(t *testing.T) {
	db := memstore.New()
	env, err := catalog.NewMemoryEnvironment(db, &catalog.Fixtures{
		Services: map[string][]*entity.Service{
			"databaseService": {
				{ID: "svc-age", Name: "age", ServiceType: "Mysql",
					Connection: &entity.ServiceConnection{Config: entity.Config{"tag": "age:AAAA"}}},
			},
		},
	})
	require.NoError(t, err)

	factory := echoRegistry()
	factory.Register("legacy", func(map[string]interface{}) (secrets.Backend, error) {
		return legacyBackend{}, nil
	})

	err = Rotate(context.Background(), env,
		config.BackendConfig{Type: "legacy"},
		config.BackendConfig{Type: "echo"},
		"cluster-a",
		WithBackends(factory),
		WithSecretFields("tag"),
	)
	require.Error(t, err)

	var codecErr *dserrors.SecretCodecError
	require.True(t, errors.As(err, &codecErr))
	assert.Equal(t, "decrypt", codecErr.Operation)
	assert.Empty(t, db.Journal.Entries())
}

// vanishingConfig loses a service's connection config between list and reload.
type vanishingConfig struct {
	*memstore.ServiceTable
}

func (v vanishingConfig) Get(ctx context.Context, id string) (*entity.Service, error) {
	svc, err := v.ServiceTable.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.Connection = nil
	return svc, nil
}

func TestServiceWithoutConfigOnReloadIsSkipped(t *testing.T) {
	f := newFixture(t)
	reg, err := registry.Build([]registry.Descriptor{{
		Name:           "databaseService",
		ConnectionType: "DatabaseConnection",
		Services:       vanishingConfig{f.table(t, "DatabaseConnection")},
	}})
	require.NoError(t, err)
	env := &catalog.Environment{
		Registry:           reg,
		Users:              f.env.Users,
		IngestionPipelines: f.env.IngestionPipelines,
		Workflows:          f.env.Workflows,
	}

	noop := secrets.NewPassthroughCodec("c")
	summary, err := NewOrchestrator(env, noop, noop).Run(context.Background())
	require.NoError(t, err)

	services := summary.Phases[0]
	assert.Equal(t, 1, services.Eligible)
	assert.Equal(t, 0, services.Rotated)
	assert.Equal(t, 1, services.Skipped)
	assert.Equal(t, 3, summary.Rotated())
	assert.NotContains(t, f.db.Journal.IDs(), "svc-mysql")
}

func TestTransientFailureIsMarkedRetryable(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		retryable bool
	}{
		{name: "connection reset", cause: errors.New("read tcp: connection reset by peer"), retryable: true},
		{name: "deadlock", cause: errors.New("deadlock detected"), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.table(t, "DashboardConnection").FailUpdate("svc-looker", tt.cause)

			summary, err := RotateWithSummary(context.Background(), f.env, config.BackendConfig{Type: "noop"}, config.BackendConfig{Type: "noop"}, "c")
			require.Error(t, err)
			assert.Equal(t, storage.StatusFailed, summary.Status)
			assert.Equal(t, tt.retryable, summary.Retryable)
			assert.Equal(t, "svc-looker", summary.FailedAt)
		})
	}
}

// recordingStore counts writes to an external store.
type recordingStore struct {
	mu     sync.Mutex
	writes int
}

func (*recordingStore) Name() string   { return "aws.secretsmanager" }
func (*recordingStore) Marker() string { return secrets.MarkerReference }

func (s *recordingStore) Protect(_ context.Context, path, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return secrets.MarkerReference + ":" + path, nil
}

func (*recordingStore) Reveal(context.Context, string, string) (string, error) {
	return "plain", nil
}

func (*recordingStore) Validate(context.Context) error { return nil }

func TestDryRunDoesNotWriteToExternalStore(t *testing.T) {
	tests := []struct {
		name   string
		dryRun bool
		writes int
	}{
		{"dry_run", true, 0},
		{"real_run", false, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			store := &recordingStore{}
			r := backends.NewRegistry()
			r.Register("aws.secretsmanager", func(map[string]interface{}) (secrets.Backend, error) {
				return store, nil
			})

			summary, err := RotateWithSummary(context.Background(), f.env,
				config.BackendConfig{Type: "noop"}, config.BackendConfig{Type: "aws.secretsmanager"}, "cluster-a",
				WithBackends(r), WithSecretFields("tag"), WithDryRun(tt.dryRun))
			require.NoError(t, err)

			assert.Equal(t, tt.writes, store.writes)
			assert.Equal(t, 5, summary.Eligible())
			for _, phase := range summary.Phases {
				assert.Equal(t, phase.Eligible, phase.Changed, phase.Category)
			}
		})
	}
}
