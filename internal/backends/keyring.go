package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/systmms/rekey/pkg/secrets"
)

// TypeKeyring is the backend type for the OS keyring (macOS Keychain,
// Secret Service, Windows Credential Manager).
const TypeKeyring = "keyring"

// KeyringBackend stores each secret field as a keyring item. The item's
// account is the field's path.
type KeyringBackend struct {
	service string
}

// NewKeyringBackend creates a keyring backend. Items are grouped under the
// "service" option, "rekey" by default.
func NewKeyringBackend(cfg map[string]interface{}) (*KeyringBackend, error) {
	return &KeyringBackend{service: stringOpt(cfg, "service", "", "rekey")}, nil
}

func (b *KeyringBackend) Name() string { return TypeKeyring }

func (b *KeyringBackend) Marker() string { return secrets.MarkerReference }

func (b *KeyringBackend) Protect(_ context.Context, path, value string) (string, error) {
	if err := keyring.Set(b.service, path, value); err != nil {
		return "", fmt.Errorf("failed to store keyring item %s: %w", path, err)
	}
	return reference(path), nil
}

func (b *KeyringBackend) Reveal(_ context.Context, _, value string) (string, error) {
	path := referencePath(value)
	secret, err := keyring.Get(b.service, path)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("keyring item %s not found: %w", path, err)
		}
		return "", fmt.Errorf("failed to read keyring item %s: %w", path, err)
	}
	return secret, nil
}

// Validate reads a missing item; ErrNotFound proves the keyring is usable.
func (b *KeyringBackend) Validate(context.Context) error {
	_, err := keyring.Get(b.service, "rekey-validate")
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("keyring unavailable: %w", err)
}
