package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/store"
	"github.com/systmms/rekey/pkg/entity"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestServiceTableListAll(t *testing.T) {
	db, mock := newMock(t)
	table := NewServices(db, Postgres, "dbservice_entity", "databaseService", "DatabaseConnection")

	rows := sqlmock.NewRows([]string{"json"}).
		AddRow(`{"id":"1","name":"a","serviceType":"Mysql","connection":{"config":{"password":"p"}},"owner":"x"}`).
		AddRow(`{"id":"2","name":"b","serviceType":"Postgres"}`)
	mock.ExpectQuery("SELECT json FROM dbservice_entity ORDER BY name, id").WillReturnRows(rows)

	services, err := table.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)

	assert.Equal(t, "DatabaseConnection", services[0].ConnectionType)
	assert.Equal(t, "p", services[0].Connection.Config["password"])
	assert.Contains(t, services[0].Extra, "owner")
	assert.False(t, services[1].HasConfig())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPlaceholders(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
	}{
		{"postgres", Postgres, "SELECT json FROM user_entity WHERE id = $1"},
		{"mysql", MySQL, "SELECT json FROM user_entity WHERE id = ?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			users := NewUsers(db, tt.dialect, "user_entity")

			mock.ExpectQuery(tt.query).
				WithArgs("u1").
				WillReturnRows(sqlmock.NewRows([]string{"json"}).AddRow(`{"id":"u1","name":"ingestion-bot","isBot":true}`))

			u, err := users.Get(context.Background(), "u1")
			require.NoError(t, err)
			assert.True(t, u.Bot())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetMissingRecord(t *testing.T) {
	db, mock := newMock(t)
	workflows := NewWorkflows(db, Postgres, "automations_workflow")

	mock.ExpectQuery("SELECT json FROM automations_workflow WHERE id = $1").
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"json"}))

	_, err := workflows.Get(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	var storeErr *dserrors.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "workflow", storeErr.Entity)
	assert.Equal(t, "get", storeErr.Operation)
}

func TestUpdate(t *testing.T) {
	tests := []struct {
		name      string
		dialect   Dialect
		query     string
		result    driverResult
		wantError error
	}{
		{
			name:    "postgres",
			dialect: Postgres,
			query:   "UPDATE ingestion_pipeline_entity SET json = $1 WHERE id = $2",
			result:  driverResult{rows: 1},
		},
		{
			name:    "mysql",
			dialect: MySQL,
			query:   "UPDATE ingestion_pipeline_entity SET json = ? WHERE id = ?",
			result:  driverResult{rows: 1},
		},
		{
			name:      "missing_row",
			dialect:   Postgres,
			query:     "UPDATE ingestion_pipeline_entity SET json = $1 WHERE id = $2",
			result:    driverResult{rows: 0},
			wantError: store.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			pipelines := NewIngestionPipelines(db, tt.dialect, "ingestion_pipeline_entity")

			p := &entity.IngestionPipeline{
				ID:           "p1",
				Name:         "dbt",
				PipelineType: "dbt",
				SourceConfig: &entity.SourceConfig{Config: entity.Config{"apiKey": "k"}},
			}
			mock.ExpectExec(tt.query).
				WithArgs(`{"id":"p1","name":"dbt","pipelineType":"dbt","sourceConfig":{"config":{"apiKey":"k"}}}`, "p1").
				WillReturnResult(sqlmock.NewResult(0, tt.result.rows))

			err := pipelines.Update(context.Background(), p)
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

type driverResult struct {
	rows int64
}

func TestUpdateDatabaseError(t *testing.T) {
	db, mock := newMock(t)
	users := NewUsers(db, Postgres, "user_entity")

	mock.ExpectExec("UPDATE user_entity SET json = $1 WHERE id = $2").
		WillReturnError(errors.New("connection reset"))

	err := users.Update(context.Background(), &entity.User{ID: "u1", Name: "bot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update user 'u1'")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestListDecodeError(t *testing.T) {
	db, mock := newMock(t)
	users := NewUsers(db, Postgres, "user_entity")

	mock.ExpectQuery("SELECT json FROM user_entity ORDER BY name, id").
		WillReturnRows(sqlmock.NewRows([]string{"json"}).AddRow(`{not json`))

	_, err := users.ListAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode record")
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		input string
		want  Dialect
		ok    bool
	}{
		{"postgres", Postgres, true},
		{"PostgreSQL", Postgres, true},
		{"mysql", MySQL, true},
		{"mariadb", MySQL, true},
		{"sqlite", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := DialectFor(tt.input)
			if !tt.ok {
				var cfgErr dserrors.ConfigError
				require.True(t, errors.As(err, &cfgErr))
				assert.Equal(t, "database.driver", cfgErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
