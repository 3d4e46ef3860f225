package backends

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// CallerIdentityAPI is the STS operation used to validate AWS credentials.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// awsOptions holds the settings shared by every AWS backend.
type awsOptions struct {
	Region          string
	Profile         string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	AssumeRole      string
	ExternalID      string
}

func parseAWSOptions(cfg map[string]interface{}) awsOptions {
	return awsOptions{
		Region:          stringOpt(cfg, "region", "AWS_REGION", "us-east-1"),
		Profile:         stringOpt(cfg, "profile", "", ""),
		Endpoint:        stringOpt(cfg, "endpoint", "", ""),
		AccessKeyID:     stringOpt(cfg, "access_key_id", "", ""),
		SecretAccessKey: stringOpt(cfg, "secret_access_key", "", ""),
		AssumeRole:      stringOpt(cfg, "assume_role", "", ""),
		ExternalID:      stringOpt(cfg, "external_id", "", ""),
	}
}

// loadAWSConfig builds an SDK config. Static credentials are used for
// LocalStack and tests; assume_role wraps whatever base credentials
// resolve in an STS AssumeRole provider.
func loadAWSConfig(ctx context.Context, o awsOptions) (aws.Config, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(o.Region))

	if o.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(o.Profile))
	}
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if o.AssumeRole != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), o.AssumeRole, func(opts *stscreds.AssumeRoleOptions) {
			opts.RoleSessionName = "rekey"
			if o.ExternalID != "" {
				opts.ExternalID = aws.String(o.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}

// validateCallerIdentity confirms the configured credentials resolve to a
// principal.
func validateCallerIdentity(ctx context.Context, client CallerIdentityAPI) error {
	if client == nil {
		return nil
	}
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials: %w", err)
	}
	if aws.ToString(out.Arn) == "" {
		return fmt.Errorf("failed to verify AWS credentials: empty caller identity")
	}
	return nil
}
