package backends

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed capabilities.yaml
var capabilitiesYAML string

// Capability describes a backend type for operators.
type Capability struct {
	DisplayName      string   `yaml:"display_name"`
	Marker           string   `yaml:"marker"`
	StoresExternally bool     `yaml:"stores_externally"`
	ConcurrencySafe  bool     `yaml:"concurrency_safe"`
	RequiredConfig   []string `yaml:"required_config"`
	OptionalConfig   []string `yaml:"optional_config"`
	Documentation    string   `yaml:"documentation"`
	Notes            string   `yaml:"notes"`
}

// Capabilities holds the description of every shipped backend type.
type Capabilities struct {
	Backends map[string]Capability `yaml:"backends"`
}

var (
	capabilities     *Capabilities
	capabilitiesErr  error
	capabilitiesOnce sync.Once
)

// LoadCapabilities parses the embedded capabilities once.
func LoadCapabilities() (*Capabilities, error) {
	capabilitiesOnce.Do(func() {
		var c Capabilities
		if err := yaml.Unmarshal([]byte(capabilitiesYAML), &c); err != nil {
			capabilitiesErr = fmt.Errorf("failed to parse capabilities: %w", err)
			return
		}
		capabilities = &c
	})
	return capabilities, capabilitiesErr
}

// GetCapability returns the description of backendType.
func GetCapability(backendType string) (*Capability, error) {
	c, err := LoadCapabilities()
	if err != nil {
		return nil, err
	}

	backendType = strings.ToLower(strings.TrimSpace(backendType))
	capability, ok := c.Backends[backendType]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
	return &capability, nil
}

// DescribedTypes returns the backend types that have a description, sorted.
func DescribedTypes() []string {
	c, err := LoadCapabilities()
	if err != nil {
		return []string{}
	}

	types := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// ValidateRequired checks that cfg sets every required key of backendType
// or that the backend can read it from its environment fallback.
func ValidateRequired(backendType string, cfg map[string]interface{}, env func(string) string) []string {
	capability, err := GetCapability(backendType)
	if err != nil {
		return nil
	}

	var missing []string
	for _, key := range capability.RequiredConfig {
		if v, ok := cfg[key]; ok && fmt.Sprint(v) != "" {
			continue
		}
		if fallback, ok := envFallbacks[key]; ok && env(fallback) != "" {
			continue
		}
		missing = append(missing, key)
	}
	return missing
}

// envFallbacks lists the environment variables backends read a missing
// required key from.
var envFallbacks = map[string]string{
	"project_id": "GOOGLE_CLOUD_PROJECT",
	"vault_url":  "AZURE_KEYVAULT_URL",
	"address":    "VAULT_ADDR",
	"access_id":  "AKEYLESS_ACCESS_ID",
}
