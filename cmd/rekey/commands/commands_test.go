package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/rekey/internal/backends"
	"github.com/systmms/rekey/internal/config"
	"github.com/systmms/rekey/internal/logging"
	"github.com/systmms/rekey/internal/rotation/storage"
)

const fixturesJSON = `{
  "services": {
    "databaseService": [
      {"id": "s1", "name": "mysql-prod", "serviceType": "Mysql", "connection": {"config": {"username": "om", "password": "hunter2"}}},
      {"id": "s2", "name": "no-config", "serviceType": "Mysql"}
    ],
    "dashboardService": [
      {"id": "s3", "name": "looker", "serviceType": "Looker", "connection": {"config": {"clientSecret": "x"}}}
    ]
  },
  "users": [
    {"id": "u1", "name": "ingestion-bot", "isBot": true, "authenticationMechanism": {"authType": "JWT", "config": {"JWTToken": "ey"}}},
    {"id": "u2", "name": "alice", "isBot": false}
  ],
  "ingestionPipelines": [
    {"id": "p1", "name": "dbt", "pipelineType": "dbt", "sourceConfig": {"config": {"dbtConfigSource": {"token": "t"}}}}
  ],
  "workflows": [
    {"id": "w1", "name": "test-connection", "workflowType": "TEST_CONNECTION", "request": {"password": "p"}}
  ]
}`

type testEnv struct {
	cfg        *config.Config
	historyDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	fixtures := filepath.Join(dir, "fixtures.json")
	require.NoError(t, os.WriteFile(fixtures, []byte(fixturesJSON), 0o600))

	identity, err := backends.GenerateLocalIdentity()
	require.NoError(t, err)

	historyDir := filepath.Join(dir, "history")
	configPath := filepath.Join(dir, "rekey.yaml")
	content := fmt.Sprintf(`version: 1
cluster: cluster-a
database:
  driver: memory
  dsn: %s
backends:
  local:
    type: local
    identity: %s
  broken:
    type: vault
rotation:
  source: noop
  target: local
history:
  dir: %s
`, fixtures, identity, historyDir)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return &testEnv{
		cfg:        &config.Config{Path: configPath, Logger: logging.New(false, true)},
		historyDir: historyDir,
	}
}

func TestRotateCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cmd := NewRotateCommand(env.cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--workers", "2"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "services")
	assert.Contains(t, out.String(), "5 of 5 records rotated")

	runs, err := storage.NewFileStorage(env.historyDir).ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusSuccess, runs[0].Status)
	assert.Equal(t, "noop", runs[0].Source)
	assert.Equal(t, "local", runs[0].Target)
	assert.Equal(t, 2, runs[0].Workers)
}

func TestRotateCommandDryRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cmd := NewRotateCommand(env.cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dry-run"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "0 of 5 records rotated")

	runs, err := storage.NewFileStorage(env.historyDir).ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusDryRun, runs[0].Status)
}

func TestRotateCommandUnknownBackend(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cmd := NewRotateCommand(env.cfg)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--to", "missing"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend not found")
}

func TestRotateCommandBackendCreationFails(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	env := newTestEnv(t)
	t.Setenv("VAULT_ADDR", "")

	cmd := NewRotateCommand(env.cfg)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--to", "broken"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address")
}

func TestPlanCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cmd := NewPlanCommand(env.cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "databaseService (DatabaseConnection)")
	assert.Contains(t, out.String(), "bot-identities")
	assert.Contains(t, out.String(), "5 records would be rotated from 'noop' to 'local'")
}

func TestBackendsCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cmd := NewBackendsCommand(env.cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--verbose"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "aws.secretsmanager")
	assert.Contains(t, out.String(), "AWS Secrets Manager")
	assert.Contains(t, out.String(), "Configured Backends:")
	assert.Contains(t, out.String(), "target")
	assert.Contains(t, out.String(), "required: address")
}

func TestBackendsCommandCheck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cmd := NewBackendsCommand(env.cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--check"})

	err := cmd.Execute()
	require.Error(t, err, "the vault backend has no address")
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, out.String(), "✅ ok")
}

func TestBackendsCommandWithoutConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Path: filepath.Join(t.TempDir(), "missing.yaml"), Logger: logging.New(false, true)}
	cmd := NewBackendsCommand(cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Backend Types:")
	assert.NotContains(t, out.String(), "Configured Backends:")
}

func TestBackendsCommandCheckDebug(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.cfg.Logger = logging.New(true, true)

	cmd := NewBackendsCommand(env.cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--check"})

	require.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), "Validation Errors:")
	assert.Contains(t, out.String(), "  broken: ")
	assert.NotContains(t, out.String(), "  local: ")
}

func TestBackendsCommandInitLocal(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Path: filepath.Join(t.TempDir(), "missing.yaml"), Logger: logging.New(false, true)}
	cmd := NewBackendsCommand(cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--init-local"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "# public key: age1")
	assert.Contains(t, out.String(), "AGE-SECRET-KEY-")
	assert.NotContains(t, out.String(), "Backend Types:")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	local, err := backends.NewLocalBackend(map[string]interface{}{"identity": lines[2]})
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(lines[1], "# public key: "), local.Recipient())
}

func TestHistoryCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rotate := NewRotateCommand(env.cfg)
	rotate.SetOut(&bytes.Buffer{})
	rotate.SetArgs([]string{})
	require.NoError(t, rotate.Execute())

	t.Run("table", func(t *testing.T) {
		cmd := NewHistoryCommand(env.cfg)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{})
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "cluster-a")
		assert.Contains(t, out.String(), "5/5")
		assert.Contains(t, out.String(), "Showing 1 entries")
	})

	t.Run("json", func(t *testing.T) {
		cmd := NewHistoryCommand(env.cfg)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--format", "json"})
		require.NoError(t, cmd.Execute())

		var result struct {
			Count   int                    `json:"count"`
			Entries []storage.HistoryEntry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &result))
		assert.Equal(t, 1, result.Count)
		assert.Len(t, result.Entries[0].Phases, 4)
	})

	t.Run("status_filter", func(t *testing.T) {
		cmd := NewHistoryCommand(env.cfg)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--status", "failed"})
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "No rotation history found")
	})

	t.Run("bad_format", func(t *testing.T) {
		cmd := NewHistoryCommand(env.cfg)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"--format", "xml"})
		assert.Error(t, cmd.Execute())
	})
}

func TestHistoryCommandCleanup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	store := storage.NewFileStorage(env.historyDir)
	now := time.Now()
	require.NoError(t, store.SaveRun(&storage.HistoryEntry{ID: "old-run", Timestamp: now.Add(-60 * 24 * time.Hour), Status: storage.StatusSuccess}))
	require.NoError(t, store.SaveRun(&storage.HistoryEntry{ID: "new-run", Timestamp: now.Add(-time.Hour), Status: storage.StatusSuccess}))

	t.Run("removes_old_runs", func(t *testing.T) {
		cmd := NewHistoryCommand(env.cfg)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--cleanup", "720h"})
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "Removed 1 run(s)")

		runs, err := store.ListRuns(0)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "new-run", runs[0].ID)
	})

	t.Run("non_positive", func(t *testing.T) {
		cmd := NewHistoryCommand(env.cfg)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"--cleanup", "0s"})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "positive duration")
	})
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"0s", "-"},
		{"250ms", "250ms"},
		{"1500ms", "1.5s"},
		{"90s", "1.5m"},
		{"90m", "1.5h"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := time.ParseDuration(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, formatDuration(d))
		})
	}
}

func TestHoldMetrics(t *testing.T) {
	t.Parallel()

	t.Run("waits_for_duration", func(t *testing.T) {
		start := time.Now()
		holdMetrics(context.Background(), 50*time.Millisecond)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("stops_on_cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		holdMetrics(ctx, time.Hour)
		assert.Less(t, time.Since(start), time.Minute)
	})
}
