package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/logging"
)

// DefaultPath is the configuration file read when --config is not given.
const DefaultPath = "rekey.yaml"

// DefaultCluster scopes secret paths when the file does not name a cluster.
const DefaultCluster = "rekey"

// NoopBackend is always available and need not be declared.
const NoopBackend = "noop"

//go:embed schema.json
var schema []byte

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the rekey.yaml structure
type Definition struct {
	Version      int                      `yaml:"version"`
	Cluster      string                   `yaml:"cluster,omitempty"`
	Database     DatabaseConfig           `yaml:"database"`
	SecretFields []string                 `yaml:"secretFields,omitempty"`
	Backends     map[string]BackendConfig `yaml:"backends,omitempty"`
	Rotation     RotationConfig           `yaml:"rotation"`
	Metrics      MetricsConfig            `yaml:"metrics,omitempty"`
	History      HistoryConfig            `yaml:"history,omitempty"`
}

// DatabaseConfig locates the metadata store
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
}

// BackendConfig holds backend-specific configuration. Every key other than
// type is passed to the backend factory.
type BackendConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

// RotationConfig names the backends a rotation moves between
type RotationConfig struct {
	Source    string `yaml:"source,omitempty"`
	Target    string `yaml:"target"`
	Workers   int    `yaml:"workers,omitempty"`
	TimeoutMs int    `yaml:"timeout_ms,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// HistoryConfig controls where rotation runs are recorded
type HistoryConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// Load reads, validates and parses the rekey.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create rekey.yaml or pass --config",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	c.Definition = def
	return nil
}

// Parse validates data against the configuration schema and decodes it.
// Environment overrides are applied after validation.
func Parse(data []byte) (*Definition, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
		}
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message: fmt.Sprintf("failed to decode configuration: %v", err),
		}
	}

	def.applyDefaults()
	def.applyEnv()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func validateSchema(raw map[string]interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var messages []string
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return dserrors.ConfigError{
		Field:      result.Errors()[0].Field(),
		Message:    "configuration does not match schema:\n  - " + strings.Join(messages, "\n  - "),
		Suggestion: "See the example rekey.yaml in the README",
	}
}

func (d *Definition) applyDefaults() {
	if d.Cluster == "" {
		d.Cluster = DefaultCluster
	}
	if d.Rotation.Source == "" {
		d.Rotation.Source = NoopBackend
	}
	if d.Rotation.Workers == 0 {
		d.Rotation.Workers = 1
	}
}

// applyEnv lets deployments keep the DSN and cluster out of the file.
func (d *Definition) applyEnv() {
	if dsn := os.Getenv("REKEY_DATABASE_DSN"); dsn != "" {
		d.Database.DSN = dsn
	}
	if cluster := os.Getenv("REKEY_CLUSTER"); cluster != "" {
		d.Cluster = cluster
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (d *Definition) Validate() error {
	for _, field := range []struct{ name, backend string }{
		{"rotation.source", d.Rotation.Source},
		{"rotation.target", d.Rotation.Target},
	} {
		if _, err := d.Backend(field.backend); err != nil {
			return dserrors.ConfigError{
				Field:      field.name,
				Value:      field.backend,
				Message:    "backend is not declared",
				Suggestion: d.availableBackends(),
			}
		}
	}

	if d.Database.Driver != "memory" && d.Database.DSN == "" {
		return dserrors.ConfigError{
			Field:      "database.dsn",
			Message:    "a DSN is required for the " + d.Database.Driver + " driver",
			Suggestion: "Set database.dsn or REKEY_DATABASE_DSN",
		}
	}
	return nil
}

// Backend returns the configuration of a declared backend. The noop
// backend is always available.
func (d *Definition) Backend(name string) (BackendConfig, error) {
	if b, ok := d.Backends[name]; ok {
		return b, nil
	}
	if name == NoopBackend {
		return BackendConfig{Type: NoopBackend}, nil
	}
	return BackendConfig{}, dserrors.ConfigError{
		Field:      "backends",
		Value:      name,
		Message:    "backend not found",
		Suggestion: d.availableBackends(),
	}
}

// BackendNames returns the declared backends in sorted order.
func (d *Definition) BackendNames() []string {
	names := make([]string, 0, len(d.Backends))
	for name := range d.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timeout returns the run timeout, or zero for none.
func (d *Definition) Timeout() time.Duration {
	return time.Duration(d.Rotation.TimeoutMs) * time.Millisecond
}

func (d *Definition) availableBackends() string {
	names := d.BackendNames()
	if len(names) == 0 {
		return "Declare backends under 'backends:' in rekey.yaml"
	}
	return fmt.Sprintf("Available backends: %s", strings.Join(names, ", "))
}
