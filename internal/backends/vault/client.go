package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
)

// HTTPClient talks to the Vault HTTP API.
type HTTPClient struct {
	config Config

	mu    sync.Mutex
	token string
	http  *http.Client
}

// NewHTTPClient creates a client for config. Authentication is deferred to
// the first call to Authenticate.
func NewHTTPClient(config Config) (*HTTPClient, error) {
	client, err := newHTTPClient(config)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{config: config, http: client}, nil
}

// Authenticate obtains a token with the configured auth method. An existing
// token is kept while Vault still accepts it.
func (c *HTTPClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		if err := c.validateToken(ctx); err == nil {
			return nil
		}
		c.token = ""
	}

	switch c.config.AuthMethod {
	case "token", "":
		return c.authenticateToken()
	case "userpass":
		return c.authenticateUserpass(ctx)
	case "approle":
		return c.authenticateAppRole(ctx)
	case "k8s", "kubernetes":
		return c.authenticateKubernetes(ctx)
	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}
}

// Read returns the data of the secret at path, or nil when it does not exist.
func (c *HTTPClient) Read(ctx context.Context, path string) (map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Data, nil
}

// Write posts payload to path.
func (c *HTTPClient) Write(ctx context.Context, path string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, fmt.Errorf("not authenticated")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

func (c *HTTPClient) url(path string) string {
	return strings.TrimSuffix(c.config.Address, "/") + "/v1/" + strings.TrimPrefix(path, "/")
}

func (c *HTTPClient) authenticateToken() error {
	if c.config.Token != "" {
		c.token = c.config.Token
		return nil
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.token = token
		return nil
	}
	return fmt.Errorf("no vault token found in config or VAULT_TOKEN environment variable")
}

func (c *HTTPClient) authenticateUserpass(ctx context.Context) error {
	password := c.config.UserpassPassword
	if password == "" {
		password = os.Getenv("VAULT_USERPASS_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("no password found for userpass auth")
	}
	return c.login(ctx, "auth/userpass/login/"+c.config.UserpassUsername, map[string]interface{}{
		"password": password,
	})
}

func (c *HTTPClient) authenticateAppRole(ctx context.Context) error {
	secretID := c.config.SecretID
	if secretID == "" {
		secretID = os.Getenv("VAULT_SECRET_ID")
	}
	return c.login(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   c.config.RoleID,
		"secret_id": secretID,
	})
}

func (c *HTTPClient) authenticateKubernetes(ctx context.Context) error {
	tokenPath := "/var/run/secrets/kubernetes.io/serviceaccount/token"
	if customPath := os.Getenv("VAULT_K8S_TOKEN_PATH"); customPath != "" {
		tokenPath = customPath
	}

	jwt, err := os.ReadFile(tokenPath)
	if err != nil {
		return fmt.Errorf("failed to read kubernetes token: %w", err)
	}
	return c.login(ctx, "auth/kubernetes/login", map[string]interface{}{
		"role": c.config.K8SRole,
		"jwt":  string(jwt),
	})
}

// login posts credentials to an auth endpoint and keeps the client token.
func (c *HTTPClient) login(ctx context.Context, authPath string, authData map[string]interface{}) error {
	body, err := json.Marshal(authData)
	if err != nil {
		return fmt.Errorf("failed to marshal auth data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(authPath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("authentication failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var authResp struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	if authResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token received from vault")
	}

	c.token = authResp.Auth.ClientToken
	return nil
}

func (c *HTTPClient) validateToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("auth/token/lookup-self"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", c.token)
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to validate token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token validation failed with status %d", resp.StatusCode)
	}
	return nil
}

// newHTTPClient builds the HTTP client, honouring the TLS settings.
func newHTTPClient(config Config) (*http.Client, error) {
	client := &http.Client{Timeout: DefaultTimeout}
	if !config.TLSSkip && config.CACert == "" {
		return client, nil
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: config.TLSSkip} //nolint:gosec // opt-in via tls_skip
	if config.CACert != "" {
		pem, err := os.ReadFile(config.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return client, nil
}
