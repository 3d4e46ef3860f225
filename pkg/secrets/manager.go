package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/logging"
	"github.com/systmms/rekey/pkg/entity"
)

// Value markers produced by the shipped backends.
const (
	MarkerReference = "secret"
	MarkerAge       = "age"
)

var knownMarkers = []string{MarkerReference, MarkerAge}

// DefaultSecretFields are the payload keys treated as secrets, compared
// case-insensitively.
var DefaultSecretFields = []string{
	"password",
	"token",
	"secretKey",
	"accessToken",
	"privateKey",
	"clientSecret",
	"jwtToken",
	"apiKey",
	"awsSecretAccessKey",
	"personalAccessToken",
	"sslKey",
	"secret",
}

// Path segments for the non-service categories.
const (
	segmentBot      = "bot"
	segmentPipeline = "pipeline"
	segmentWorkflow = "workflow"
)

// Manager is a Codec that protects every secret field of a payload through a
// single Backend.
type Manager struct {
	backend Backend
	cluster string
	fields  map[string]struct{}
	resume  map[string]struct{}
	logger  *logging.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSecretFields replaces the default secret field names.
func WithSecretFields(fields ...string) ManagerOption {
	return func(m *Manager) {
		m.fields = fieldSet(fields)
	}
}

// WithResumeMarkers makes decryption leave values carrying one of markers
// unchanged instead of rejecting them as foreign. A rotation that stopped
// half way uses it so that records the target already protects pass through
// the source untouched.
func WithResumeMarkers(markers ...string) ManagerOption {
	return func(m *Manager) {
		m.resume = fieldSet(markers)
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.Named("secrets")
		}
	}
}

// NewManager creates a codec backed by backend. cluster scopes the paths of
// externally stored secrets.
func NewManager(backend Backend, cluster string, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend: backend,
		cluster: cluster,
		fields:  fieldSet(DefaultSecretFields),
		logger:  logging.New(false, true).Named("secrets"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Codec = (*Manager)(nil)

// Name returns the backend type.
func (m *Manager) Name() string {
	return m.backend.Name()
}

// Backend returns the backend the manager delegates to.
func (m *Manager) Backend() Backend {
	return m.backend
}

func (m *Manager) DecryptServiceConnection(ctx context.Context, cfg entity.Config, serviceType, connectionType string) (entity.Config, error) {
	// The service name is not part of the decrypt contract; the stored
	// reference already carries the full path.
	return m.transform(ctx, cfg, "decrypt", m.reveal, connectionType, serviceType)
}

func (m *Manager) EncryptServiceConnection(ctx context.Context, cfg entity.Config, serviceType, serviceName, connectionType string) (entity.Config, error) {
	return m.transform(ctx, cfg, "encrypt", m.protect, connectionType, serviceType, serviceName)
}

func (m *Manager) DecryptAuthMechanism(ctx context.Context, botName string, mechanism *entity.AuthMechanism) error {
	return m.authMechanism(ctx, botName, mechanism, "decrypt", m.reveal)
}

func (m *Manager) EncryptAuthMechanism(ctx context.Context, botName string, mechanism *entity.AuthMechanism) error {
	return m.authMechanism(ctx, botName, mechanism, "encrypt", m.protect)
}

func (m *Manager) authMechanism(ctx context.Context, botName string, mechanism *entity.AuthMechanism, op string, fn valueFunc) error {
	if mechanism == nil {
		return nil
	}
	cfg, err := m.transform(ctx, mechanism.Config, op, fn, segmentBot, botName)
	if err != nil {
		return err
	}
	mechanism.Config = cfg
	return nil
}

func (m *Manager) DecryptIngestionPipeline(ctx context.Context, pipeline *entity.IngestionPipeline) error {
	return m.pipeline(ctx, pipeline, "decrypt", m.reveal)
}

func (m *Manager) EncryptIngestionPipeline(ctx context.Context, pipeline *entity.IngestionPipeline) error {
	return m.pipeline(ctx, pipeline, "encrypt", m.protect)
}

func (m *Manager) pipeline(ctx context.Context, pipeline *entity.IngestionPipeline, op string, fn valueFunc) error {
	if pipeline == nil || pipeline.SourceConfig == nil {
		return nil
	}
	cfg, err := m.transform(ctx, pipeline.SourceConfig.Config, op, fn, segmentPipeline, pipeline.PipelineType, pipeline.Name)
	if err != nil {
		return err
	}
	pipeline.SourceConfig.Config = cfg
	return nil
}

func (m *Manager) DecryptWorkflow(ctx context.Context, workflow *entity.Workflow) (*entity.Workflow, error) {
	return m.workflow(ctx, workflow, "decrypt", m.reveal)
}

func (m *Manager) EncryptWorkflow(ctx context.Context, workflow *entity.Workflow) (*entity.Workflow, error) {
	return m.workflow(ctx, workflow, "encrypt", m.protect)
}

func (m *Manager) workflow(ctx context.Context, workflow *entity.Workflow, op string, fn valueFunc) (*entity.Workflow, error) {
	if workflow == nil {
		return nil, nil
	}
	req, err := m.transform(ctx, workflow.Request, op, fn, segmentWorkflow, workflow.WorkflowType, workflow.Name)
	if err != nil {
		return nil, err
	}
	out := workflow.Clone()
	out.Request = req
	return out, nil
}

// valueFunc converts a single secret value found at path.
type valueFunc func(ctx context.Context, path, value string) (string, error)

// transform applies fn to every secret field of a copy of cfg and returns the
// copy. cfg itself is never modified.
func (m *Manager) transform(ctx context.Context, cfg entity.Config, op string, fn valueFunc, prefix ...string) (entity.Config, error) {
	if cfg == nil {
		return nil, nil
	}
	out := cfg.Clone()
	base := m.basePath(prefix...)
	if err := m.walk(ctx, map[string]interface{}(out), base, fn); err != nil {
		var codecErr *dserrors.SecretCodecError
		if errors.As(err, &codecErr) {
			codecErr.Operation = op
			return nil, codecErr
		}
		return nil, &dserrors.SecretCodecError{Backend: m.backend.Name(), Operation: op, Err: err}
	}
	return out, nil
}

// walk visits map keys in sorted order so that failures and backend calls
// are deterministic.
func (m *Manager) walk(ctx context.Context, node interface{}, path string, fn valueFunc) error {
	switch typed := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			childPath := path + "/" + segment(k)
			if s, ok := typed[k].(string); ok {
				if !m.isSecretField(k) {
					continue
				}
				converted, err := fn(ctx, childPath, s)
				if err != nil {
					return &dserrors.SecretCodecError{Backend: m.backend.Name(), Path: childPath, Err: redact(err, s)}
				}
				typed[k] = converted
				continue
			}
			if err := m.walk(ctx, typed[k], childPath, fn); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, item := range typed {
			if err := m.walk(ctx, item, path+"/"+strconv.Itoa(i), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) protect(ctx context.Context, path, value string) (string, error) {
	own := m.backend.Marker()
	if own == "" {
		return value, nil
	}
	switch marker := markerOf(value, path, true, own, nil); {
	case marker == own:
		// Already protected by this backend; protecting again would store the
		// reference itself as the secret.
		return value, nil
	case marker != "":
		return "", fmt.Errorf("value is protected by a different backend (%s)", marker)
	}
	m.logger.Debug("Protecting %s", logging.Secret(path))
	return m.backend.Protect(ctx, path, value)
}

func (m *Manager) reveal(ctx context.Context, path, value string) (string, error) {
	own := m.backend.Marker()
	if own == "" {
		return value, nil
	}
	switch marker := markerOf(value, path, false, own, m.resume); {
	case marker == "":
		return value, nil
	case marker != own:
		if _, ok := m.resume[marker]; ok {
			m.logger.Debug("Keeping %s, already protected by %s", logging.Secret(path), marker)
			return value, nil
		}
		return "", fmt.Errorf("value is protected by a different backend (%s)", marker)
	}
	m.logger.Debug("Revealing %s", logging.Secret(path))
	return m.backend.Reveal(ctx, path, value)
}

func (m *Manager) isSecretField(key string) bool {
	_, ok := m.fields[strings.ToLower(key)]
	return ok
}

func (m *Manager) basePath(parts ...string) string {
	segments := make([]string, 0, len(parts)+1)
	segments = append(segments, segment(m.cluster))
	for _, p := range parts {
		segments = append(segments, segment(p))
	}
	return "/" + strings.Join(segments, "/")
}

// segment escapes a path segment so that distinct names always give distinct
// paths. Letters keep their case; every byte outside [A-Za-z0-9.-] becomes
// "_XX" (hex), and the empty name becomes a lone "_".
func segment(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isPlain(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02X", c)
	}
	return b.String()
}

func isPlain(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-'
}

// ageHeader starts every age file.
const ageHeader = "age-encryption.org/v1\n"

// markerOf returns the marker value carries, checking own first so that
// backends outside the known set still recognise their output. extra adds
// markers of backends outside the known set.
//
// A known marker counts only when the rest of the value has the shape that
// backend produces, so plaintext such as "age:hunter2" stays plaintext. With
// exact set, a reference must point at path itself.
func markerOf(value, path string, exact bool, own string, extra map[string]struct{}) string {
	candidates := make([]string, 0, 1+len(knownMarkers)+len(extra))
	candidates = append(candidates, own)
	candidates = append(candidates, knownMarkers...)
	for marker := range extra {
		candidates = append(candidates, marker)
	}
	for _, marker := range candidates {
		body, ok := strings.CutPrefix(value, marker+":")
		if ok && wellFormed(marker, body, path, exact) {
			return marker
		}
	}
	return ""
}

func wellFormed(marker, body, path string, exact bool) bool {
	switch marker {
	case MarkerAge:
		raw, err := base64.StdEncoding.DecodeString(body)
		return err == nil && strings.HasPrefix(string(raw), ageHeader)
	case MarkerReference:
		if exact {
			return body == path
		}
		return strings.HasPrefix(body, "/")
	default:
		return true
	}
}

// redactedError hides a secret value a backend echoed in its error message
// while keeping the cause reachable for errors.As.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, value string) error {
	msg := logging.Redact(err.Error(), []string{value})
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, err: err}
}

func fieldSet(fields []string) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.ToLower(f)] = struct{}{}
	}
	return set
}
