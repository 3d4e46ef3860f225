package secrets

import (
	"context"

	"github.com/systmms/rekey/pkg/entity"
)

// Codec decrypts and encrypts the secret payload of every record category.
//
// Implementations must be symmetric: decrypting what the same codec encrypted
// yields the original payload. A failing operation returns an
// *errors.SecretCodecError and leaves its argument untouched.
type Codec interface {
	// Name identifies the backend behind the codec, e.g. "aws.secretsmanager".
	Name() string

	// DecryptServiceConnection returns the plaintext connection configuration.
	DecryptServiceConnection(ctx context.Context, cfg entity.Config, serviceType, connectionType string) (entity.Config, error)

	// EncryptServiceConnection returns the protected connection configuration.
	// serviceName is part of the secret path for external stores.
	EncryptServiceConnection(ctx context.Context, cfg entity.Config, serviceType, serviceName, connectionType string) (entity.Config, error)

	// DecryptAuthMechanism replaces the mechanism's config with its plaintext.
	DecryptAuthMechanism(ctx context.Context, botName string, mechanism *entity.AuthMechanism) error

	// EncryptAuthMechanism replaces the mechanism's config with its protected form.
	EncryptAuthMechanism(ctx context.Context, botName string, mechanism *entity.AuthMechanism) error

	// DecryptIngestionPipeline decrypts the pipeline's source configuration in place.
	DecryptIngestionPipeline(ctx context.Context, pipeline *entity.IngestionPipeline) error

	// EncryptIngestionPipeline protects the pipeline's source configuration in place.
	EncryptIngestionPipeline(ctx context.Context, pipeline *entity.IngestionPipeline) error

	// DecryptWorkflow returns a copy of the workflow with a plaintext request.
	DecryptWorkflow(ctx context.Context, workflow *entity.Workflow) (*entity.Workflow, error)

	// EncryptWorkflow returns a copy of the workflow with a protected request.
	EncryptWorkflow(ctx context.Context, workflow *entity.Workflow) (*entity.Workflow, error)
}

// Backend protects single secret values. Backends never see whole records;
// the Manager decides which fields are secrets and where they live.
type Backend interface {
	// Name returns the backend type, e.g. "vault".
	Name() string

	// Marker returns the prefix (without ':') of values this backend
	// produces, or "" for the passthrough backend.
	Marker() string

	// Protect stores or encrypts value and returns what should be persisted
	// in the record in its place.
	Protect(ctx context.Context, path, value string) (string, error)

	// Reveal returns the plaintext of a value previously returned by Protect.
	// path is the secret's location and is informational only.
	Reveal(ctx context.Context, path, value string) (string, error)

	// Validate checks connectivity and credentials.
	Validate(ctx context.Context) error
}
