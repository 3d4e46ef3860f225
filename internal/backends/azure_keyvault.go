package backends

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/pkg/secrets"
)

// TypeAzureKeyVault is the backend type for Azure Key Vault.
const TypeAzureKeyVault = "azure.keyvault"

// AzureKeyVaultClientAPI defines the Key Vault operations used by the
// backend. This allows for mocking in tests.
type AzureKeyVaultClientAPI interface {
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// AzureKeyVaultBackend stores each secret field as a Key Vault secret whose
// name is the field's path with every separator turned into '-'.
type AzureKeyVaultBackend struct {
	client AzureKeyVaultClientAPI
}

// AzureOption is a functional option for the Azure backend.
type AzureOption func(*AzureKeyVaultBackend)

// WithAzureKeyVaultClient sets a custom Key Vault client (for testing).
func WithAzureKeyVaultClient(client AzureKeyVaultClientAPI) AzureOption {
	return func(b *AzureKeyVaultBackend) {
		b.client = client
	}
}

// NewAzureKeyVaultBackend creates a Key Vault backend.
func NewAzureKeyVaultBackend(cfg map[string]interface{}, opts ...AzureOption) (*AzureKeyVaultBackend, error) {
	b := &AzureKeyVaultBackend{}
	for _, opt := range opts {
		opt(b)
	}
	if b.client != nil {
		return b, nil
	}

	vaultURL := stringOpt(cfg, "vault_url", "AZURE_KEYVAULT_URL", "")
	if vaultURL == "" {
		return nil, dserrors.ConfigError{
			Field:      "vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Set vault_url to https://<vault-name>.vault.azure.net/",
		}
	}

	cred, err := newAzureCredential(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	b.client = client
	return b, nil
}

func newAzureCredential(cfg map[string]interface{}) (azcore.TokenCredential, error) {
	tenantID := stringOpt(cfg, "tenant_id", "AZURE_TENANT_ID", "")
	clientID := stringOpt(cfg, "client_id", "AZURE_CLIENT_ID", "")
	clientSecret := stringOpt(cfg, "client_secret", "AZURE_CLIENT_SECRET", "")

	switch {
	case clientSecret != "":
		return azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	case boolOpt(cfg, "use_managed_identity", false):
		var opts *azidentity.ManagedIdentityCredentialOptions
		if userAssigned := stringOpt(cfg, "user_assigned_identity_id", "", ""); userAssigned != "" {
			opts = &azidentity.ManagedIdentityCredentialOptions{ID: azidentity.ClientID(userAssigned)}
		}
		return azidentity.NewManagedIdentityCredential(opts)
	default:
		return azidentity.NewDefaultAzureCredential(nil)
	}
}

func (b *AzureKeyVaultBackend) Name() string { return TypeAzureKeyVault }

func (b *AzureKeyVaultBackend) Marker() string { return secrets.MarkerReference }

// Protect sets the secret. Key Vault versions secrets on every set.
func (b *AzureKeyVaultBackend) Protect(ctx context.Context, path, value string) (string, error) {
	name := azureSecretName(path)

	_, err := b.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{
		Value: to.Ptr(value),
		Tags:  map[string]*string{"managed-by": to.Ptr("rekey")},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to set secret %s: %w", name, err)
	}
	return reference(path), nil
}

func (b *AzureKeyVaultBackend) Reveal(ctx context.Context, _, value string) (string, error) {
	name := azureSecretName(referencePath(value))

	resp, err := b.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		if isAzureNotFoundError(err) {
			return "", fmt.Errorf("secret %s not found: %w", name, err)
		}
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secret %s has no value", name)
	}
	return *resp.Value, nil
}

// Validate reads a secret that does not exist; SecretNotFound proves the
// vault is reachable and the identity is authorized.
func (b *AzureKeyVaultBackend) Validate(ctx context.Context) error {
	_, err := b.client.GetSecret(ctx, "rekey-validate", "", nil)
	if err == nil || isAzureNotFoundError(err) {
		return nil
	}
	return fmt.Errorf("failed to reach Azure Key Vault: %w", err)
}

func isAzureNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "SecretNotFound") || strings.Contains(err.Error(), "404")
}

// azureSecretName maps a path onto [0-9a-zA-Z-]{1,127}.
func azureSecretName(path string) string {
	return flatName(path, '-', isAlphaNum, 127)
}
