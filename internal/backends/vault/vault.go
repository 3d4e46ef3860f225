// Package vault implements the HashiCorp Vault secrets backend on top of
// the Vault HTTP API and the KV secrets engine.
package vault

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/pkg/secrets"
)

const (
	// Type is the backend type name.
	Type = "vault"

	DefaultTimeout = 30 * time.Second
	DefaultMount   = "secret"
)

// Config holds Vault-specific configuration.
type Config struct {
	Address    string
	Token      string
	AuthMethod string // token, userpass, approle, kubernetes
	Namespace  string
	Mount      string
	KVVersion  int
	Prefix     string

	UserpassUsername string
	UserpassPassword string
	RoleID           string
	SecretID         string
	K8SRole          string

	CACert  string
	TLSSkip bool
}

// Client is the Vault API surface used by the backend.
type Client interface {
	Authenticate(ctx context.Context) error
	Read(ctx context.Context, path string) (map[string]interface{}, error)
	Write(ctx context.Context, path string, payload map[string]interface{}) error
}

// Backend stores each secret field in the KV engine under the field's path.
// The secret holds a single key, "value".
type Backend struct {
	config Config
	client Client

	mu            sync.Mutex
	authenticated bool
}

// Option is a functional option for the Vault backend.
type Option func(*Backend)

// WithClient sets a custom Vault client (for testing).
func WithClient(client Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// New creates a Vault backend from its configuration map. VAULT_ADDR,
// VAULT_TOKEN and VAULT_NAMESPACE override the map.
func New(configMap map[string]interface{}, opts ...Option) (*Backend, error) {
	config := parseConfig(configMap)

	if config.Address == "" {
		return nil, dserrors.ConfigError{
			Field:      "address",
			Message:    "vault address is required",
			Suggestion: "Set address in the backend configuration or VAULT_ADDR",
		}
	}
	if config.KVVersion != 1 && config.KVVersion != 2 {
		return nil, dserrors.ConfigError{
			Field:   "kv_version",
			Value:   config.KVVersion,
			Message: "kv_version must be 1 or 2",
		}
	}

	b := &Backend{config: config}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		client, err := NewHTTPClient(config)
		if err != nil {
			return nil, err
		}
		b.client = client
	}
	return b, nil
}

func parseConfig(configMap map[string]interface{}) Config {
	config := Config{
		AuthMethod: "token",
		Mount:      DefaultMount,
		KVVersion:  2,
	}

	str := func(key string, dst *string) {
		if v, ok := configMap[key].(string); ok && v != "" {
			*dst = v
		}
	}
	str("address", &config.Address)
	str("token", &config.Token)
	str("auth_method", &config.AuthMethod)
	str("namespace", &config.Namespace)
	str("mount", &config.Mount)
	str("prefix", &config.Prefix)
	str("userpass_username", &config.UserpassUsername)
	str("userpass_password", &config.UserpassPassword)
	str("role_id", &config.RoleID)
	str("secret_id", &config.SecretID)
	str("k8s_role", &config.K8SRole)
	str("ca_cert", &config.CACert)

	switch v := configMap["kv_version"].(type) {
	case int:
		config.KVVersion = v
	case float64:
		config.KVVersion = int(v)
	}
	if v, ok := configMap["tls_skip"].(bool); ok {
		config.TLSSkip = v
	}

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		config.Token = token
	}
	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		config.Namespace = namespace
	}
	if caCert := os.Getenv("VAULT_CACERT"); caCert != "" {
		config.CACert = caCert
	}

	config.Mount = strings.Trim(config.Mount, "/")
	config.Prefix = strings.Trim(config.Prefix, "/")
	return config
}

func (b *Backend) Name() string { return Type }

func (b *Backend) Marker() string { return secrets.MarkerReference }

func (b *Backend) Protect(ctx context.Context, path, value string) (string, error) {
	if err := b.ensureAuthenticated(ctx); err != nil {
		return "", err
	}

	payload := map[string]interface{}{"value": value}
	if b.config.KVVersion == 2 {
		payload = map[string]interface{}{"data": payload}
	}
	if err := b.client.Write(ctx, b.apiPath(path), payload); err != nil {
		return "", fmt.Errorf("failed to write secret %s: %w", path, err)
	}
	return secrets.MarkerReference + ":" + path, nil
}

func (b *Backend) Reveal(ctx context.Context, _, value string) (string, error) {
	if err := b.ensureAuthenticated(ctx); err != nil {
		return "", err
	}

	path := strings.TrimPrefix(value, secrets.MarkerReference+":")
	data, err := b.client.Read(ctx, b.apiPath(path))
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	if data == nil {
		return "", fmt.Errorf("secret %s not found", path)
	}

	if b.config.KVVersion == 2 {
		inner, ok := data["data"].(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("secret %s has no data", path)
		}
		data = inner
	}

	s, ok := data["value"].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string value", path)
	}
	return s, nil
}

func (b *Backend) Validate(ctx context.Context) error {
	b.mu.Lock()
	b.authenticated = false
	b.mu.Unlock()
	return b.ensureAuthenticated(ctx)
}

func (b *Backend) ensureAuthenticated(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.authenticated {
		return nil
	}
	if err := b.client.Authenticate(ctx); err != nil {
		return fmt.Errorf("vault authentication failed: %w", err)
	}
	b.authenticated = true
	return nil
}

// apiPath returns the API path of the secret stored at path.
func (b *Backend) apiPath(path string) string {
	parts := []string{b.config.Mount}
	if b.config.KVVersion == 2 {
		parts = append(parts, "data")
	}
	if b.config.Prefix != "" {
		parts = append(parts, b.config.Prefix)
	}
	parts = append(parts, strings.TrimPrefix(path, "/"))
	return strings.Join(parts, "/")
}
