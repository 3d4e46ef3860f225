// Package catalog describes the entity tables of the metadata platform and
// opens the environment a rotation run works against.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/systmms/rekey/internal/config"
	"github.com/systmms/rekey/internal/registry"
	"github.com/systmms/rekey/internal/store"
	"github.com/systmms/rekey/internal/store/memstore"
	"github.com/systmms/rekey/internal/store/sqlstore"
	"github.com/systmms/rekey/pkg/entity"
)

// ServiceCategory is a service-style category and the table that stores it.
type ServiceCategory struct {
	Name           string
	ConnectionType string
	Table          string
}

// ServiceCategories lists the service categories in registration order.
var ServiceCategories = []ServiceCategory{
	{Name: "databaseService", ConnectionType: "DatabaseConnection", Table: "dbservice_entity"},
	{Name: "dashboardService", ConnectionType: "DashboardConnection", Table: "dashboard_service_entity"},
	{Name: "messagingService", ConnectionType: "MessagingConnection", Table: "messaging_service_entity"},
	{Name: "pipelineService", ConnectionType: "PipelineConnection", Table: "pipeline_service_entity"},
	{Name: "mlmodelService", ConnectionType: "MlModelConnection", Table: "mlmodel_service_entity"},
	{Name: "metadataService", ConnectionType: "MetadataConnection", Table: "metadata_service_entity"},
	{Name: "storageService", ConnectionType: "StorageConnection", Table: "storage_service_entity"},
	{Name: "searchService", ConnectionType: "SearchConnection", Table: "search_service_entity"},
	{Name: "apiService", ConnectionType: "ApiConnection", Table: "api_service_entity"},
}

// Tables of the non-service categories.
const (
	UserTable              = "user_entity"
	IngestionPipelineTable = "ingestion_pipeline_entity"
	WorkflowTable          = "automations_workflow"
)

// Environment bundles everything a rotation run reads from and writes to.
type Environment struct {
	Registry           *registry.Registry
	Users              store.Users
	IngestionPipelines store.IngestionPipelines
	Workflows          store.Workflows

	closer func() error
}

// Close releases the underlying database, if any.
func (e *Environment) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer()
}

// Descriptors returns one descriptor per category backed by db.
func Descriptors(db *sql.DB, dialect sqlstore.Dialect) []registry.Descriptor {
	descriptors := make([]registry.Descriptor, 0, len(ServiceCategories)+3)
	for _, c := range ServiceCategories {
		descriptors = append(descriptors, registry.Descriptor{
			Name:           c.Name,
			ConnectionType: c.ConnectionType,
			Services:       sqlstore.NewServices(db, dialect, c.Table, c.Name, c.ConnectionType),
		})
	}
	return append(descriptors,
		registry.Descriptor{Name: "user"},
		registry.Descriptor{Name: "ingestionPipeline"},
		registry.Descriptor{Name: "workflow"},
	)
}

// NewSQLEnvironment builds the environment over an open database.
func NewSQLEnvironment(db *sql.DB, dialect sqlstore.Dialect) (*Environment, error) {
	reg, err := registry.Build(Descriptors(db, dialect))
	if err != nil {
		return nil, err
	}
	return &Environment{
		Registry:           reg,
		Users:              sqlstore.NewUsers(db, dialect, UserTable),
		IngestionPipelines: sqlstore.NewIngestionPipelines(db, dialect, IngestionPipelineTable),
		Workflows:          sqlstore.NewWorkflows(db, dialect, WorkflowTable),
		closer:             db.Close,
	}, nil
}

// Open connects to the configured database. The memory driver loads the
// fixture file named by the DSN, or starts empty when there is none.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Environment, error) {
	if cfg.Driver == "memory" {
		fixtures := &Fixtures{}
		if cfg.DSN != "" {
			var err error
			if fixtures, err = LoadFixtures(cfg.DSN); err != nil {
				return nil, err
			}
		}
		return NewMemoryEnvironment(memstore.New(), fixtures)
	}

	db, dialect, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	env, err := NewSQLEnvironment(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return env, nil
}

// Fixtures is the JSON document loaded by the memory driver. Services are
// keyed by category name, e.g. "databaseService".
type Fixtures struct {
	Services           map[string][]*entity.Service `json:"services,omitempty"`
	Users              []*entity.User               `json:"users,omitempty"`
	IngestionPipelines []*entity.IngestionPipeline  `json:"ingestionPipelines,omitempty"`
	Workflows          []*entity.Workflow           `json:"workflows,omitempty"`
}

// LoadFixtures reads a fixture file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var f Fixtures
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures %s: %w", path, err)
	}
	return &f, nil
}

// NewMemoryEnvironment builds an environment over db seeded with fixtures.
func NewMemoryEnvironment(db *memstore.Database, fixtures *Fixtures) (*Environment, error) {
	descriptors := make([]registry.Descriptor, 0, len(ServiceCategories))
	known := make(map[string]bool, len(ServiceCategories))
	for _, c := range ServiceCategories {
		known[c.Name] = true
		descriptors = append(descriptors, registry.Descriptor{
			Name:           c.Name,
			ConnectionType: c.ConnectionType,
			Services:       db.Services(c.Name, c.ConnectionType, fixtures.Services[c.Name]...),
		})
	}
	for name := range fixtures.Services {
		if !known[name] {
			return nil, fmt.Errorf("fixtures reference unknown service category '%s'", name)
		}
	}

	reg, err := registry.Build(descriptors)
	if err != nil {
		return nil, err
	}
	return &Environment{
		Registry:           reg,
		Users:              db.Users(fixtures.Users...),
		IngestionPipelines: db.IngestionPipelines(fixtures.IngestionPipelines...),
		Workflows:          db.Workflows(fixtures.Workflows...),
	}, nil
}
