package backends

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/pkg/secrets"
)

// TypeGCPSecretManager is the backend type for Google Cloud Secret Manager.
const TypeGCPSecretManager = "gcp.secretmanager"

// GCPSecretManagerClientAPI defines the Secret Manager operations used by
// the backend. *secretmanager.Client satisfies it.
type GCPSecretManagerClientAPI interface {
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// GCPSecretManagerBackend stores each secret field as a secret whose id is
// the field's path flattened to GCP's id alphabet.
type GCPSecretManagerBackend struct {
	client    GCPSecretManagerClientAPI
	projectID string
}

// GCPOption is a functional option for the GCP backend.
type GCPOption func(*GCPSecretManagerBackend)

// WithGCPSecretManagerClient sets a custom Secret Manager client (for testing).
func WithGCPSecretManagerClient(client GCPSecretManagerClientAPI) GCPOption {
	return func(b *GCPSecretManagerBackend) {
		b.client = client
	}
}

// NewGCPSecretManagerBackend creates a Secret Manager backend.
func NewGCPSecretManagerBackend(cfg map[string]interface{}, opts ...GCPOption) (*GCPSecretManagerBackend, error) {
	projectID := stringOpt(cfg, "project_id", "GOOGLE_CLOUD_PROJECT", "")
	if projectID == "" {
		return nil, dserrors.ConfigError{
			Field:      "project_id",
			Message:    "project_id is required for GCP Secret Manager",
			Suggestion: "Set project_id in the backend configuration or GOOGLE_CLOUD_PROJECT",
		}
	}

	b := &GCPSecretManagerBackend{projectID: projectID}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := newGCPClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
		}
		b.client = client
	}

	return b, nil
}

func newGCPClient(cfg map[string]interface{}) (*secretmanager.Client, error) {
	ctx := context.Background()

	var clientOptions []option.ClientOption
	if keyPath := stringOpt(cfg, "service_account_key_path", "", ""); keyPath != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(expandHome(keyPath)))
	}
	if account := stringOpt(cfg, "impersonate_service_account", "", ""); account != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: account,
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create impersonated credentials: %w", err)
		}
		clientOptions = append(clientOptions, option.WithTokenSource(ts))
	}

	return secretmanager.NewClient(ctx, clientOptions...)
}

func (b *GCPSecretManagerBackend) Name() string { return TypeGCPSecretManager }

func (b *GCPSecretManagerBackend) Marker() string { return secrets.MarkerReference }

// Protect creates the secret if needed and adds a version holding value.
func (b *GCPSecretManagerBackend) Protect(ctx context.Context, path, value string) (string, error) {
	id := gcpSecretID(path)

	_, err := b.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + b.projectID,
		SecretId: id,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
			Labels: map[string]string{"managed-by": "rekey"},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return "", fmt.Errorf("failed to create secret %s: %w", id, err)
	}

	if _, err := b.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  b.secretName(id),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}); err != nil {
		return "", fmt.Errorf("failed to add version to secret %s: %w", id, err)
	}

	return reference(path), nil
}

func (b *GCPSecretManagerBackend) Reveal(ctx context.Context, _, value string) (string, error) {
	id := gcpSecretID(referencePath(value))

	resp, err := b.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: b.secretName(id) + "/versions/latest",
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("secret %s not found: %w", id, err)
		}
		return "", fmt.Errorf("failed to access secret %s: %w", id, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

// Validate accesses a secret that does not exist; NotFound proves that the
// credentials and project are usable.
func (b *GCPSecretManagerBackend) Validate(ctx context.Context) error {
	_, err := b.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: b.secretName("rekey-validate") + "/versions/latest",
	})
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return fmt.Errorf("failed to reach GCP Secret Manager: %w", err)
}

func (b *GCPSecretManagerBackend) secretName(id string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", b.projectID, id)
}

// gcpSecretID maps a path onto [a-zA-Z0-9_-]{1,255}.
func gcpSecretID(path string) string {
	return flatName(path, '_', func(r rune) bool { return isAlphaNum(r) || r == '-' }, 255)
}
