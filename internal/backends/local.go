package backends

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/secure"
	"github.com/systmms/rekey/pkg/secrets"
)

// TypeLocal is the backend type that encrypts values in place with age.
const TypeLocal = "local"

// LocalBackend encrypts each secret value to an age X25519 recipient and
// stores the ciphertext in the record itself as "age:<base64>".
type LocalBackend struct {
	recipient *age.X25519Recipient
	identity  *secure.Key
}

// NewLocalBackend creates a local backend from an age identity given inline
// ("identity"), in a file ("identity_file") or in REKEY_AGE_IDENTITY.
func NewLocalBackend(cfg map[string]interface{}) (*LocalBackend, error) {
	raw := stringOpt(cfg, "identity", "REKEY_AGE_IDENTITY", "")
	if raw == "" {
		if path := stringOpt(cfg, "identity_file", "", ""); path != "" {
			data, err := os.ReadFile(expandHome(path))
			if err != nil {
				return nil, fmt.Errorf("failed to read age identity: %w", err)
			}
			raw = firstIdentityLine(string(data))
		}
	}
	if raw == "" {
		return nil, dserrors.ConfigError{
			Field:      "identity",
			Message:    "an age identity is required for the local backend",
			Suggestion: "Generate one with 'age-keygen' and set identity_file or REKEY_AGE_IDENTITY",
		}
	}

	return newLocalBackend(raw)
}

func newLocalBackend(raw string) (*LocalBackend, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(raw))
	if err != nil {
		return nil, dserrors.ConfigError{
			Field:   "identity",
			Message: fmt.Sprintf("invalid age identity: %v", err),
		}
	}

	sealed, err := secure.SealString(identity.String())
	if err != nil {
		return nil, err
	}

	return &LocalBackend{recipient: identity.Recipient(), identity: sealed}, nil
}

// GenerateLocalIdentity returns a new age identity string.
func GenerateLocalIdentity() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", err
	}
	return identity.String(), nil
}

func (b *LocalBackend) Name() string { return TypeLocal }

func (b *LocalBackend) Marker() string { return secrets.MarkerAge }

// Recipient returns the public key values are encrypted to.
func (b *LocalBackend) Recipient() string {
	return b.recipient.String()
}

func (b *LocalBackend) Protect(_ context.Context, _, value string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return "", fmt.Errorf("failed to create encryptor: %w", err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize encryption: %w", err)
	}
	return secrets.MarkerAge + ":" + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (b *LocalBackend) Reveal(_ context.Context, _, value string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, secrets.MarkerAge+":"))
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	var plaintext []byte
	err = b.identity.Use(func(key []byte) error {
		identity, err := age.ParseX25519Identity(string(key))
		if err != nil {
			return err
		}
		r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
		if err != nil {
			return err
		}
		plaintext, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (b *LocalBackend) Validate(context.Context) error {
	return b.identity.Use(func([]byte) error { return nil })
}

// firstIdentityLine skips the comments age-keygen writes above the key.
func firstIdentityLine(data string) string {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}
