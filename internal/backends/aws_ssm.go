package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/systmms/rekey/pkg/secrets"
)

// TypeAWSSSM is the backend type for AWS Systems Manager Parameter Store.
const TypeAWSSSM = "aws.ssm"

// SSMClientAPI defines the Parameter Store operations used by the backend.
type SSMClientAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// AWSSSMBackend stores each secret field as a SecureString parameter.
type AWSSSMBackend struct {
	client   SSMClientAPI
	identity CallerIdentityAPI
	prefix   string
	kmsKeyID string
}

// WithSSMClient sets a custom SSM client (for testing).
func WithSSMClient(client SSMClientAPI) AWSOption {
	return func(c *awsClients) {
		c.ssm = client
	}
}

// NewAWSSSMBackend creates a Parameter Store backend.
func NewAWSSSMBackend(cfg map[string]interface{}, opts ...AWSOption) (*AWSSSMBackend, error) {
	clients := &awsClients{}
	for _, opt := range opts {
		opt(clients)
	}

	if clients.ssm == nil {
		o := parseAWSOptions(cfg)
		awsCfg, err := loadAWSConfig(context.Background(), o)
		if err != nil {
			return nil, err
		}

		var clientOpts []func(*ssm.Options)
		if o.Endpoint != "" {
			endpoint := o.Endpoint
			clientOpts = append(clientOpts, func(opts *ssm.Options) {
				opts.BaseEndpoint = &endpoint
			})
		}
		clients.ssm = ssm.NewFromConfig(awsCfg, clientOpts...)
		if clients.identity == nil && o.Endpoint == "" {
			clients.identity = sts.NewFromConfig(awsCfg)
		}
	}

	return &AWSSSMBackend{
		client:   clients.ssm,
		identity: clients.identity,
		prefix:   strings.TrimSuffix(stringOpt(cfg, "prefix", "", ""), "/"),
		kmsKeyID: stringOpt(cfg, "kms_key_id", "", ""),
	}, nil
}

func (b *AWSSSMBackend) Name() string { return TypeAWSSSM }

func (b *AWSSSMBackend) Marker() string { return secrets.MarkerReference }

func (b *AWSSSMBackend) Protect(ctx context.Context, path, value string) (string, error) {
	name := b.prefix + path

	input := &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}
	if b.kmsKeyID != "" {
		input.KeyId = aws.String(b.kmsKeyID)
	}

	if _, err := b.client.PutParameter(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put parameter %s: %w", name, err)
	}
	return reference(path), nil
}

func (b *AWSSSMBackend) Reveal(ctx context.Context, _, value string) (string, error) {
	name := b.prefix + referencePath(value)

	out, err := b.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("parameter %s not found: %w", name, err)
		}
		return "", fmt.Errorf("failed to read parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

func (b *AWSSSMBackend) Validate(ctx context.Context) error {
	return validateCallerIdentity(ctx, b.identity)
}
