// Package entity defines the metadata records whose secret payloads rekey
// rotates.
//
// Four categories carry a rotatable payload:
//
//   - Service: the connection configuration of a data service
//   - User: the authentication mechanism of bot users
//   - IngestionPipeline: the source configuration of an ingestion pipeline
//   - Workflow: the request configuration of an automation workflow
//
// Records are persisted as JSON documents by the surrounding platform. Each
// type models only the fields rotation reads or writes; every other field is
// kept in Extra and written back unchanged.
package entity

import (
	"encoding/json"
)

// Category names a class of record that carries a rotatable payload.
type Category string

const (
	CategoryService           Category = "services"
	CategoryBotIdentity       Category = "bot-identities"
	CategoryIngestionPipeline Category = "ingestion-pipelines"
	CategoryWorkflow          Category = "workflows"
)

// Categories lists the categories in rotation order.
func Categories() []Category {
	return []Category{CategoryService, CategoryBotIdentity, CategoryIngestionPipeline, CategoryWorkflow}
}

// Service is a data service whose connection configuration holds secrets.
type Service struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	ServiceType string             `json:"serviceType,omitempty"`
	Connection  *ServiceConnection `json:"connection,omitempty"`

	// ConnectionType is the connection-configuration discriminator of the
	// repository the record was read from. It is not persisted.
	ConnectionType string `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ServiceConnection wraps the connection configuration of a service.
type ServiceConnection struct {
	Config Config `json:"config"`
}

// HasConfig reports whether the service carries a connection configuration.
func (s *Service) HasConfig() bool {
	return s != nil && s.Connection != nil && s.Connection.Config != nil
}

// Clone returns a deep copy of the service.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Connection != nil {
		clone.Connection = &ServiceConnection{Config: s.Connection.Config.Clone()}
	}
	clone.Extra = cloneExtra(s.Extra)
	return &clone
}

func (s *Service) UnmarshalJSON(data []byte) error {
	type plain Service
	return decodeWithExtra(data, (*plain)(s), &s.Extra)
}

func (s Service) MarshalJSON() ([]byte, error) {
	type plain Service
	return encodeWithExtra(plain(s), s.Extra)
}

// User is a platform user. Only bot users carry an authentication mechanism
// that rotation touches.
type User struct {
	ID                      string         `json:"id"`
	Name                    string         `json:"name"`
	IsBot                   *bool          `json:"isBot,omitempty"`
	AuthenticationMechanism *AuthMechanism `json:"authenticationMechanism,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Bot reports whether the user is a bot identity.
func (u *User) Bot() bool {
	return u != nil && u.IsBot != nil && *u.IsBot
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	if u.IsBot != nil {
		isBot := *u.IsBot
		clone.IsBot = &isBot
	}
	clone.AuthenticationMechanism = u.AuthenticationMechanism.Clone()
	clone.Extra = cloneExtra(u.Extra)
	return &clone
}

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	return decodeWithExtra(data, (*plain)(u), &u.Extra)
}

func (u User) MarshalJSON() ([]byte, error) {
	type plain User
	return encodeWithExtra(plain(u), u.Extra)
}

// AuthMechanism is the authentication mechanism of a bot, e.g. a JWT.
type AuthMechanism struct {
	AuthType string `json:"authType,omitempty"`
	Config   Config `json:"config,omitempty"`
}

// Clone returns a deep copy of the mechanism.
func (m *AuthMechanism) Clone() *AuthMechanism {
	if m == nil {
		return nil
	}
	return &AuthMechanism{AuthType: m.AuthType, Config: m.Config.Clone()}
}

// IngestionPipeline is an ingestion pipeline whose source configuration may
// embed secrets, e.g. DBT cloud credentials.
type IngestionPipeline struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	PipelineType string        `json:"pipelineType,omitempty"`
	SourceConfig *SourceConfig `json:"sourceConfig,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// SourceConfig wraps the extraction configuration of a pipeline.
type SourceConfig struct {
	Config Config `json:"config"`
}

// Clone returns a deep copy of the pipeline.
func (p *IngestionPipeline) Clone() *IngestionPipeline {
	if p == nil {
		return nil
	}
	clone := *p
	if p.SourceConfig != nil {
		clone.SourceConfig = &SourceConfig{Config: p.SourceConfig.Config.Clone()}
	}
	clone.Extra = cloneExtra(p.Extra)
	return &clone
}

func (p *IngestionPipeline) UnmarshalJSON(data []byte) error {
	type plain IngestionPipeline
	return decodeWithExtra(data, (*plain)(p), &p.Extra)
}

func (p IngestionPipeline) MarshalJSON() ([]byte, error) {
	type plain IngestionPipeline
	return encodeWithExtra(plain(p), p.Extra)
}

// Workflow is an automation workflow, e.g. a test-connection request.
type Workflow struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	WorkflowType string `json:"workflowType,omitempty"`
	Request      Config `json:"request,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Request = w.Request.Clone()
	clone.Extra = cloneExtra(w.Extra)
	return &clone
}

func (w *Workflow) UnmarshalJSON(data []byte) error {
	type plain Workflow
	return decodeWithExtra(data, (*plain)(w), &w.Extra)
}

func (w Workflow) MarshalJSON() ([]byte, error) {
	type plain Workflow
	return encodeWithExtra(plain(w), w.Extra)
}
