// Package sqlstore reads and writes metadata records stored as JSON documents
// in the platform's relational database.
//
// Every entity table has the layout
//
//	id   VARCHAR
//	name VARCHAR
//	json JSON (MySQL) / JSONB (PostgreSQL)
//
// and only the json column is ever written.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/store"
	"github.com/systmms/rekey/pkg/entity"
)

// Dialect selects the placeholder style of a database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// driverMap maps configured driver names to registered database/sql drivers.
var driverMap = map[string]Dialect{
	"postgresql": Postgres,
	"postgres":   Postgres,
	"mysql":      MySQL,
	"mariadb":    MySQL,
}

// DialectFor resolves a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	d, ok := driverMap[strings.ToLower(driver)]
	if !ok {
		return "", dserrors.ConfigError{
			Field:      "database.driver",
			Value:      driver,
			Message:    "unsupported database driver",
			Suggestion: "Use postgres or mysql",
		}
	}
	return d, nil
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, "", err
	}

	if dialect == MySQL {
		// MySQL reports zero affected rows for an UPDATE that does not change
		// the row, which would be indistinguishable from a missing record.
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ClientFoundRows = true
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, dialect, nil
}

func (d Dialect) placeholder(n int) string {
	if d == MySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// Table is a Repository over one entity table.
type Table[T any] struct {
	db      *sql.DB
	dialect Dialect
	table   string
	entity  string
	id      func(T) string
	newT    func() T

	listQuery   string
	getQuery    string
	updateQuery string
}

func newTable[T any](db *sql.DB, dialect Dialect, table, entity string, id func(T) string, newT func() T) *Table[T] {
	return &Table[T]{
		db:          db,
		dialect:     dialect,
		table:       table,
		entity:      entity,
		id:          id,
		newT:        newT,
		listQuery:   fmt.Sprintf("SELECT json FROM %s ORDER BY name, id", table),
		getQuery:    fmt.Sprintf("SELECT json FROM %s WHERE id = %s", table, dialect.placeholder(1)),
		updateQuery: fmt.Sprintf("UPDATE %s SET json = %s WHERE id = %s", table, dialect.placeholder(1), dialect.placeholder(2)),
	}
}

// Name returns the table name.
func (t *Table[T]) Name() string {
	return t.table
}

func (t *Table[T]) ListAll(ctx context.Context) ([]T, error) {
	rows, err := t.db.QueryContext(ctx, t.listQuery)
	if err != nil {
		return nil, t.fail("list", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, t.fail("list", "", fmt.Errorf("failed to scan row: %w", err))
		}
		record := t.newT()
		if err := json.Unmarshal(data, record); err != nil {
			return nil, t.fail("list", "", fmt.Errorf("failed to decode record: %w", err))
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail("list", "", err)
	}
	return out, nil
}

func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	var data []byte
	err := t.db.QueryRowContext(ctx, t.getQuery, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, t.fail("get", id, store.ErrNotFound)
	}
	if err != nil {
		return zero, t.fail("get", id, err)
	}

	record := t.newT()
	if err := json.Unmarshal(data, record); err != nil {
		return zero, t.fail("get", id, fmt.Errorf("failed to decode record: %w", err))
	}
	return record, nil
}

func (t *Table[T]) Update(ctx context.Context, record T) error {
	id := t.id(record)
	data, err := json.Marshal(record)
	if err != nil {
		return t.fail("update", id, fmt.Errorf("failed to encode record: %w", err))
	}

	res, err := t.db.ExecContext(ctx, t.updateQuery, string(data), id)
	if err != nil {
		return t.fail("update", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.fail("update", id, err)
	}
	if n == 0 {
		return t.fail("update", id, store.ErrNotFound)
	}
	return nil
}

func (t *Table[T]) fail(op, id string, err error) error {
	return &dserrors.StoreError{Entity: t.entity, Operation: op, ID: id, Err: err}
}

// ServiceTable is the repository of one service category.
type ServiceTable struct {
	*Table[*entity.Service]
	category       string
	connectionType string
}

var _ store.ServiceRepository = (*ServiceTable)(nil)

// NewServices returns the repository of the service category stored in table.
func NewServices(db *sql.DB, dialect Dialect, table, category, connectionType string) *ServiceTable {
	return &ServiceTable{
		Table: newTable(db, dialect, table, category,
			func(s *entity.Service) string { return s.ID },
			func() *entity.Service { return &entity.Service{} }),
		category:       category,
		connectionType: connectionType,
	}
}

func (s *ServiceTable) ConnectionType() string  { return s.connectionType }
func (s *ServiceTable) ServiceCategory() string { return s.category }

func (s *ServiceTable) ListAll(ctx context.Context) ([]*entity.Service, error) {
	services, err := s.Table.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		svc.ConnectionType = s.connectionType
	}
	return services, nil
}

func (s *ServiceTable) Get(ctx context.Context, id string) (*entity.Service, error) {
	svc, err := s.Table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.ConnectionType = s.connectionType
	return svc, nil
}

// NewUsers returns the user repository stored in table.
func NewUsers(db *sql.DB, dialect Dialect, table string) *Table[*entity.User] {
	return newTable(db, dialect, table, "user",
		func(u *entity.User) string { return u.ID },
		func() *entity.User { return &entity.User{} })
}

// NewIngestionPipelines returns the ingestion pipeline repository stored in table.
func NewIngestionPipelines(db *sql.DB, dialect Dialect, table string) *Table[*entity.IngestionPipeline] {
	return newTable(db, dialect, table, "ingestionPipeline",
		func(p *entity.IngestionPipeline) string { return p.ID },
		func() *entity.IngestionPipeline { return &entity.IngestionPipeline{} })
}

// NewWorkflows returns the workflow repository stored in table.
func NewWorkflows(db *sql.DB, dialect Dialect, table string) *Table[*entity.Workflow] {
	return newTable(db, dialect, table, "workflow",
		func(w *entity.Workflow) string { return w.ID },
		func() *entity.Workflow { return &entity.Workflow{} })
}
