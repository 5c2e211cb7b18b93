package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SandboxConfig describes how to reach the external sandbox execution
// service (§4.5 of the spec — out of scope to implement, in scope to call).
type SandboxConfig struct {
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	APIKeyEnv      string        `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	CommandTimeout time.Duration `json:"command_timeout,omitempty" yaml:"command_timeout,omitempty"`
	RateLimitRPS   float64       `json:"rate_limit_rps,omitempty" yaml:"rate_limit_rps,omitempty"`
	RateLimitBurst int           `json:"rate_limit_burst,omitempty" yaml:"rate_limit_burst,omitempty"`
}

// ModelBackendConfig describes how to reach the black-box model-inference
// provider used by internal/operations.
type ModelBackendConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
}

// RegistryConfig describes how to reach the persistent application registry.
type RegistryConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
}

// GitHubConfig describes credentials for the GitHub push collaborator.
type GitHubConfig struct {
	TokenEnv string        `json:"token_env,omitempty" yaml:"token_env,omitempty"`
	Username string        `json:"username,omitempty" yaml:"username,omitempty"`
	Email    string        `json:"email,omitempty" yaml:"email,omitempty"`
	TokenTTL time.Duration `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty"`
}

// AuthConfig configures the JWT bearer-token gate in front of the
// client<->agent streaming endpoint.
type AuthConfig struct {
	SigningKeyEnv string `json:"signing_key_env,omitempty" yaml:"signing_key_env,omitempty"`
}

// File is the top-level bootstrap configuration document for the
// orchestrator process. Loaded from YAML, validated against schemaJSON.
type File struct {
	Version  int                `json:"version" yaml:"version"`
	Addr     string             `json:"addr" yaml:"addr"`
	Sandbox  SandboxConfig      `json:"sandbox" yaml:"sandbox"`
	Model    ModelBackendConfig `json:"model" yaml:"model"`
	Registry RegistryConfig     `json:"registry" yaml:"registry"`
	GitHub   GitHubConfig       `json:"github" yaml:"github"`
	Auth     AuthConfig         `json:"auth" yaml:"auth"`
	DataDir  string             `json:"data_dir" yaml:"data_dir"`
}

// schemaJSON is the JSON Schema used to validate a decoded File before it
// is trusted by the rest of the process. yaml.v3 decodes the document into
// a generic map[string]any, and the schema validates that map directly.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "addr", "sandbox", "model"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "addr": {"type": "string", "minLength": 1},
    "data_dir": {"type": "string"},
    "sandbox": {
      "type": "object",
      "required": ["base_url"],
      "properties": {"base_url": {"type": "string", "minLength": 1}}
    },
    "model": {
      "type": "object",
      "required": ["base_url"],
      "properties": {"base_url": {"type": "string", "minLength": 1}}
    }
  }
}`

func compiledSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	return c.Compile("config.schema.json")
}

// Load reads and validates a bootstrap config document from path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse validates and decodes raw YAML bytes into a File.
func Parse(b []byte) (*File, error) {
	var generic map[string]any
	if err := yaml.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode config yaml: %w", err)
	}
	f.applyDefaults()
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Sandbox.CommandTimeout <= 0 {
		f.Sandbox.CommandTimeout = 30 * time.Second
	}
	if f.Sandbox.RateLimitRPS <= 0 {
		f.Sandbox.RateLimitRPS = 5
	}
	if f.Sandbox.RateLimitBurst <= 0 {
		f.Sandbox.RateLimitBurst = 10
	}
	if f.GitHub.TokenTTL <= 0 {
		f.GitHub.TokenTTL = time.Hour
	}
	if f.DataDir == "" {
		f.DataDir = "./data"
	}
}
