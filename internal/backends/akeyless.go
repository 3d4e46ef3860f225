package backends

import (
	"context"
	"fmt"
	"strings"
	"time"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/pkg/secrets"
)

// TypeAkeyless is the backend type for Akeyless.
const TypeAkeyless = "akeyless"

// DefaultAkeylessGateway is the public Akeyless API gateway.
const DefaultAkeylessGateway = "https://api.akeyless.io"

// AkeylessClientAPI is the subset of the Akeyless API used by the backend.
type AkeylessClientAPI interface {
	Authenticate(ctx context.Context) (token string, ttl time.Duration, err error)
	CreateSecret(ctx context.Context, token, name, value string) error
	UpdateSecretValue(ctx context.Context, token, name, value string) error
	GetSecretValue(ctx context.Context, token, name string) (string, error)
}

// AkeylessConfig holds Akeyless backend configuration.
type AkeylessConfig struct {
	GatewayURL string
	AccessID   string
	AccessKey  string
	AuthMethod string
	Prefix     string
}

// AkeylessBackend stores each secret field as an Akeyless static secret.
type AkeylessBackend struct {
	config AkeylessConfig
	client AkeylessClientAPI
	tokens *tokenCache
}

// AkeylessOption is a functional option for the Akeyless backend.
type AkeylessOption func(*AkeylessBackend)

// WithAkeylessClient sets a custom Akeyless client (for testing).
func WithAkeylessClient(client AkeylessClientAPI) AkeylessOption {
	return func(b *AkeylessBackend) {
		b.client = client
	}
}

// NewAkeylessBackend creates an Akeyless backend.
func NewAkeylessBackend(cfg map[string]interface{}, opts ...AkeylessOption) (*AkeylessBackend, error) {
	config := AkeylessConfig{
		GatewayURL: stringOpt(cfg, "gateway_url", "AKEYLESS_GATEWAY_URL", DefaultAkeylessGateway),
		AccessID:   stringOpt(cfg, "access_id", "AKEYLESS_ACCESS_ID", ""),
		AccessKey:  stringOpt(cfg, "access_key", "AKEYLESS_ACCESS_KEY", ""),
		AuthMethod: stringOpt(cfg, "auth_method", "", "api_key"),
		Prefix:     strings.TrimSuffix(stringOpt(cfg, "prefix", "", ""), "/"),
	}

	b := &AkeylessBackend{config: config, tokens: newTokenCache()}
	for _, opt := range opts {
		opt(b)
	}
	if b.client != nil {
		return b, nil
	}

	if config.AccessID == "" {
		return nil, dserrors.ConfigError{
			Field:      "access_id",
			Message:    "access_id is required for Akeyless",
			Suggestion: "Set access_id in the backend configuration or AKEYLESS_ACCESS_ID",
		}
	}

	client, err := newAkeylessSDKClient(config)
	if err != nil {
		return nil, err
	}
	b.client = client
	return b, nil
}

func (b *AkeylessBackend) Name() string { return TypeAkeyless }

func (b *AkeylessBackend) Marker() string { return secrets.MarkerReference }

// Protect creates the static secret, or updates its value when it exists.
func (b *AkeylessBackend) Protect(ctx context.Context, path, value string) (string, error) {
	token, err := b.token(ctx)
	if err != nil {
		return "", err
	}

	name := b.config.Prefix + path
	err = b.client.CreateSecret(ctx, token, name, value)
	if err == nil {
		return reference(path), nil
	}
	if !isAkeylessAlreadyExists(err) {
		return "", fmt.Errorf("failed to create secret %s: %w", name, err)
	}
	if err := b.client.UpdateSecretValue(ctx, token, name, value); err != nil {
		return "", fmt.Errorf("failed to update secret %s: %w", name, err)
	}
	return reference(path), nil
}

func (b *AkeylessBackend) Reveal(ctx context.Context, _, value string) (string, error) {
	token, err := b.token(ctx)
	if err != nil {
		return "", err
	}

	name := b.config.Prefix + referencePath(value)
	secret, err := b.client.GetSecretValue(ctx, token, name)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	return secret, nil
}

func (b *AkeylessBackend) Validate(ctx context.Context) error {
	b.tokens.clear()
	_, err := b.token(ctx)
	return err
}

// token returns a cached token or authenticates to get a new one.
func (b *AkeylessBackend) token(ctx context.Context) (string, error) {
	if token, ok := b.tokens.get(); ok {
		return token, nil
	}

	token, ttl, err := b.client.Authenticate(ctx)
	if err != nil {
		return "", fmt.Errorf("akeyless authentication failed: %w", err)
	}
	if err := b.tokens.set(token, ttl); err != nil {
		return "", err
	}
	return token, nil
}

func isAkeylessAlreadyExists(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "already exists") || strings.Contains(errStr, "alreadyexists")
}
