// Package backends contains the secrets backends rekey can rotate between
// and the registry that builds them from configuration.
package backends

import (
	"fmt"
	"sort"

	"github.com/systmms/rekey/internal/backends/vault"
	"github.com/systmms/rekey/internal/config"
	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/pkg/secrets"
)

// Factory creates a backend from its configuration map.
type Factory func(cfg map[string]interface{}) (secrets.Backend, error)

// Registry manages backend creation by type.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with every built-in backend.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register(secrets.PassthroughName, func(map[string]interface{}) (secrets.Backend, error) {
		return secrets.NewPassthrough(), nil
	})
	r.Register(TypeLocal, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return NewLocalBackend(cfg)
	})
	r.Register(TypeAWSSecretsManager, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return NewAWSSecretsManagerBackend(cfg)
	})
	r.Register(TypeAWSSSM, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return NewAWSSSMBackend(cfg)
	})
	r.Register(TypeGCPSecretManager, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return NewGCPSecretManagerBackend(cfg)
	})
	r.Register(TypeAzureKeyVault, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return NewAzureKeyVaultBackend(cfg)
	})
	r.Register(vault.Type, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return vault.New(cfg)
	})
	r.Register(TypeAkeyless, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return NewAkeylessBackend(cfg)
	})
	r.Register(TypeKeyring, func(cfg map[string]interface{}) (secrets.Backend, error) {
		return NewKeyringBackend(cfg)
	})

	return r
}

// Register adds or replaces the factory for a backend type.
func (r *Registry) Register(backendType string, factory Factory) {
	r.factories[backendType] = factory
}

// Create builds the backend configured under name.
func (r *Registry) Create(name string, cfg config.BackendConfig) (secrets.Backend, error) {
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, dserrors.ConfigError{
			Field:      fmt.Sprintf("backends.%s.type", name),
			Value:      cfg.Type,
			Message:    "unknown backend type",
			Suggestion: "Run 'rekey backends' to list supported types",
		}
	}

	backend, err := factory(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend '%s': %w", name, err)
	}
	return backend, nil
}

// SupportedTypes returns the registered backend types in sorted order.
func (r *Registry) SupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsSupported reports whether backendType is registered.
func (r *Registry) IsSupported(backendType string) bool {
	_, ok := r.factories[backendType]
	return ok
}
