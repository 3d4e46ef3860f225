package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/systmms/rekey/internal/logging"
	"github.com/systmms/rekey/pkg/secrets"
)

// TypeAWSSecretsManager is the backend type for AWS Secrets Manager.
const TypeAWSSecretsManager = "aws.secretsmanager"

// SecretsManagerClientAPI defines the Secrets Manager operations used by the
// backend. This allows for mocking in tests.
type SecretsManagerClientAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManagerBackend stores each secret field as its own secret. The
// secret name is the optional prefix followed by the field's path.
type AWSSecretsManagerBackend struct {
	client   SecretsManagerClientAPI
	identity CallerIdentityAPI
	prefix   string
	kmsKeyID string
	logger   *logging.Logger
}

// AWSOption is a functional option for configuring AWS backends.
type AWSOption func(*awsClients)

type awsClients struct {
	secretsManager SecretsManagerClientAPI
	ssm            SSMClientAPI
	identity       CallerIdentityAPI
}

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing).
func WithSecretsManagerClient(client SecretsManagerClientAPI) AWSOption {
	return func(c *awsClients) {
		c.secretsManager = client
	}
}

// WithCallerIdentityClient sets a custom STS client (for testing).
func WithCallerIdentityClient(client CallerIdentityAPI) AWSOption {
	return func(c *awsClients) {
		c.identity = client
	}
}

// NewAWSSecretsManagerBackend creates a Secrets Manager backend.
func NewAWSSecretsManagerBackend(cfg map[string]interface{}, opts ...AWSOption) (*AWSSecretsManagerBackend, error) {
	clients := &awsClients{}
	for _, opt := range opts {
		opt(clients)
	}

	if clients.secretsManager == nil {
		o := parseAWSOptions(cfg)
		awsCfg, err := loadAWSConfig(context.Background(), o)
		if err != nil {
			return nil, err
		}

		var clientOpts []func(*secretsmanager.Options)
		if o.Endpoint != "" {
			endpoint := o.Endpoint
			clientOpts = append(clientOpts, func(opts *secretsmanager.Options) {
				opts.BaseEndpoint = &endpoint
			})
		}
		clients.secretsManager = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
		if clients.identity == nil && o.Endpoint == "" {
			clients.identity = sts.NewFromConfig(awsCfg)
		}
	}

	return &AWSSecretsManagerBackend{
		client:   clients.secretsManager,
		identity: clients.identity,
		prefix:   strings.TrimSuffix(stringOpt(cfg, "prefix", "", ""), "/"),
		kmsKeyID: stringOpt(cfg, "kms_key_id", "", ""),
		logger:   logging.New(false, true).Named(TypeAWSSecretsManager),
	}, nil
}

func (b *AWSSecretsManagerBackend) Name() string { return TypeAWSSecretsManager }

func (b *AWSSecretsManagerBackend) Marker() string { return secrets.MarkerReference }

// Protect creates the secret, or writes a new version when it already exists.
func (b *AWSSecretsManagerBackend) Protect(ctx context.Context, path, value string) (string, error) {
	name := b.secretName(path)

	input := &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
		Description:  aws.String("Managed by rekey"),
	}
	if b.kmsKeyID != "" {
		input.KmsKeyId = aws.String(b.kmsKeyID)
	}

	_, err := b.client.CreateSecret(ctx, input)
	if err == nil {
		b.logger.Debug("Created secret %s", logging.Secret(name))
		return reference(path), nil
	}

	var exists *types.ResourceExistsException
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("failed to create secret %s: %w", name, err)
	}

	if _, err := b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	}); err != nil {
		return "", fmt.Errorf("failed to update secret %s: %w", name, err)
	}
	b.logger.Debug("Updated secret %s", logging.Secret(name))
	return reference(path), nil
}

func (b *AWSSecretsManagerBackend) Reveal(ctx context.Context, _, value string) (string, error) {
	name := b.secretName(referencePath(value))

	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("secret %s not found: %w", name, err)
		}
		return "", fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return *out.SecretString, nil
}

func (b *AWSSecretsManagerBackend) Validate(ctx context.Context) error {
	return validateCallerIdentity(ctx, b.identity)
}

func (b *AWSSecretsManagerBackend) secretName(path string) string {
	return b.prefix + path
}
