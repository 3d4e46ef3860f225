package backends

import (
	"context"
	"fmt"
	"time"

	akeyless "github.com/akeylesslabs/akeyless-go/v3"
)

// akeylessSDKClient implements AkeylessClientAPI using the official SDK.
type akeylessSDKClient struct {
	api    *akeyless.APIClient
	config AkeylessConfig
}

func newAkeylessSDKClient(cfg AkeylessConfig) (*akeylessSDKClient, error) {
	configuration := akeyless.NewConfiguration()
	configuration.Servers = []akeyless.ServerConfiguration{
		{URL: cfg.GatewayURL},
	}

	return &akeylessSDKClient{
		api:    akeyless.NewAPIClient(configuration),
		config: cfg,
	}, nil
}

func (c *akeylessSDKClient) Authenticate(ctx context.Context) (string, time.Duration, error) {
	authBody := akeyless.NewAuthWithDefaults()
	authBody.SetAccessId(c.config.AccessID)

	switch c.config.AuthMethod {
	case "api_key", "":
		authBody.SetAccessKey(c.config.AccessKey)
	case "aws_iam", "azure_ad", "gcp":
		authBody.SetAccessType(c.config.AuthMethod)
	default:
		return "", 0, fmt.Errorf("unsupported authentication method: %s", c.config.AuthMethod)
	}

	res, _, err := c.api.V2Api.Auth(ctx).Body(*authBody).Execute()
	if err != nil {
		return "", 0, err
	}
	// Akeyless tokens last 30 minutes
	return res.GetToken(), 25 * time.Minute, nil
}

func (c *akeylessSDKClient) CreateSecret(ctx context.Context, token, name, value string) error {
	body := akeyless.NewCreateSecret(name, value)
	body.SetToken(token)
	_, _, err := c.api.V2Api.CreateSecret(ctx).Body(*body).Execute()
	return err
}

func (c *akeylessSDKClient) UpdateSecretValue(ctx context.Context, token, name, value string) error {
	body := akeyless.NewUpdateSecretVal(name, value)
	body.SetToken(token)
	_, _, err := c.api.V2Api.UpdateSecretVal(ctx).Body(*body).Execute()
	return err
}

func (c *akeylessSDKClient) GetSecretValue(ctx context.Context, token, name string) (string, error) {
	body := akeyless.NewGetSecretValue([]string{name})
	body.SetToken(token)

	res, _, err := c.api.V2Api.GetSecretValue(ctx).Body(*body).Execute()
	if err != nil {
		return "", err
	}
	value, ok := res[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return fmt.Sprintf("%v", value), nil
}
