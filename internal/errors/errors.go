package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// ErrRegistryEmpty is returned when the platform exposes no service-style
// category. The platform wiring is broken and no record may be touched.
var ErrRegistryEmpty = errors.New("no service repository registered")

// UnmappedConnectionTypeError is returned for a service record whose
// connection type has no owning repository.
type UnmappedConnectionTypeError struct {
	ConnectionType string
	Known          []string
}

func (e *UnmappedConnectionTypeError) Error() string {
	msg := fmt.Sprintf("no repository registered for connection type '%s'", e.ConnectionType)
	if len(e.Known) > 0 {
		msg += fmt.Sprintf(" (known: %s)", strings.Join(e.Known, ", "))
	}
	return msg
}

// SecretCodecError is returned when a payload cannot be decrypted or encrypted.
type SecretCodecError struct {
	Backend   string
	Operation string
	Path      string
	Err       error
}

func (e *SecretCodecError) Error() string {
	msg := fmt.Sprintf("%s backend failed to %s", e.Backend, e.Operation)
	if e.Path != "" {
		msg += fmt.Sprintf(" secret at %s", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SecretCodecError) Unwrap() error {
	return e.Err
}

// StoreError is returned when listing, fetching or updating a record fails.
type StoreError struct {
	Entity    string
	Operation string
	ID        string
	Err       error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("failed to %s %s", e.Operation, e.Entity)
	if e.ID != "" {
		msg += fmt.Sprintf(" '%s'", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// RotationError is the single error type surfaced by a rotation run. It names
// the phase and record the run stopped at and keeps the original cause.
type RotationError struct {
	Phase    string
	RecordID string
	Message  string
	Err      error
}

func (e *RotationError) Error() string {
	var b strings.Builder
	b.WriteString("rotation failed")
	if e.Phase != "" {
		b.WriteString(" in phase " + e.Phase)
	}
	if e.RecordID != "" {
		b.WriteString(" at record " + e.RecordID)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *RotationError) Unwrap() error {
	return e.Err
}

// BackendError enhances backend-specific errors with context
func BackendError(backend string, operation string, err error) error {
	suggestion := getBackendSuggestion(backend, err)

	return UserError{
		Message:    fmt.Sprintf("%s backend error during %s", backend, operation),
		Suggestion: suggestion,
		Err:        err,
	}
}

// getBackendSuggestion returns helpful suggestions based on backend and error
func getBackendSuggestion(backend string, err error) string {
	errStr := err.Error()

	switch backend {
	case "aws.secretsmanager", "aws.ssm":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for secretsmanager:CreateSecret, PutSecretValue and GetSecretValue (or ssm:PutParameter/GetParameter)"
		}
		if strings.Contains(errStr, "ThrottlingException") {
			return "AWS rate limit exceeded. Lower rotation.workers and try again"
		}

	case "vault":
		if strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "status 403") {
			return "Check the Vault policy grants create/update/read on the secrets mount"
		}
		if strings.Contains(errStr, "no vault token") {
			return "Set VAULT_TOKEN or 'token' in the backend configuration"
		}

	case "gcp.secretmanager":
		if strings.Contains(errStr, "PermissionDenied") {
			return "Grant roles/secretmanager.admin (or secretAccessor + secretVersionAdder) to the service account"
		}
		if strings.Contains(errStr, "could not find default credentials") {
			return "Run 'gcloud auth application-default login' or set service_account_key_path"
		}

	case "azure.keyvault":
		if strings.Contains(errStr, "Forbidden") {
			return "Grant the identity 'Key Vault Secrets Officer' on the vault"
		}

	case "local":
		if strings.Contains(errStr, "no identity matched") {
			return "The payload was protected with a different age key. Check the backend 'key' setting"
		}
	}

	// Generic suggestions
	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and backend configuration"
	}

	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(strings.ToLower(errStr), pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Rotation errors already carry phase and record context
	var rotationErr *RotationError
	if errors.As(err, &rotationErr) {
		return err
	}

	// Already a user-friendly error
	if _, ok := err.(UserError); ok {
		return err
	}
	if _, ok := err.(ConfigError); ok {
		return err
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
