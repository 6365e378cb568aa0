package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gamedex.yml.
type Config struct {
	Catalog struct {
		Name string `yaml:"name"`
	} `yaml:"catalog"`
	Consensus struct {
		ApproveThreshold    int `yaml:"approve_threshold"`
		RejectThreshold     int `yaml:"reject_threshold"`
		SubmissionThreshold int `yaml:"submission_threshold"`
		MandateSeed         int `yaml:"mandate_seed"`
	} `yaml:"consensus"`
	RateLimits map[string]RateLimit `yaml:"rate_limits"`
	Moderation struct {
		PrivilegedRoles []string `yaml:"privileged_roles"`
		BlockedWords    []string `yaml:"blocked_words"`
	} `yaml:"moderation"`
	ServiceIdentity struct {
		ActorID string `yaml:"actor_id"`
	} `yaml:"service_identity"`
}

// RateLimit configures one guarded action's rolling window.
type RateLimit struct {
	WindowMinutes int    `yaml:"window_minutes"`
	MaxCount      int    `yaml:"max_count"`
	KeyBy         string `yaml:"key_by"`
}

// Guarded action names used as rate-limit keys.
const (
	ActionProposalCreate = "proposal.create"
	ActionEntrySubmit    = "entry.submit"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gdx init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Consensus.ApproveThreshold <= 0 {
		return fmt.Errorf("config.consensus.approve_threshold must be positive")
	}
	if c.Consensus.RejectThreshold <= 0 {
		return fmt.Errorf("config.consensus.reject_threshold must be positive")
	}
	if c.Consensus.SubmissionThreshold <= 0 {
		return fmt.Errorf("config.consensus.submission_threshold must be positive")
	}
	if c.Consensus.MandateSeed < c.Consensus.ApproveThreshold {
		return fmt.Errorf("config.consensus.mandate_seed must be at least the approve threshold")
	}
	if c.RateLimits == nil {
		return fmt.Errorf("config.rate_limits is required")
	}
	for _, action := range []string{ActionProposalCreate, ActionEntrySubmit} {
		rl, ok := c.RateLimits[action]
		if !ok {
			return fmt.Errorf("config.rate_limits.%s is required", action)
		}
		if rl.WindowMinutes <= 0 {
			return fmt.Errorf("rate limit %s: window_minutes must be positive", action)
		}
		if rl.MaxCount <= 0 {
			return fmt.Errorf("rate limit %s: max_count must be positive", action)
		}
		if rl.KeyBy != "actor" && rl.KeyBy != "origin" {
			return fmt.Errorf("rate limit %s: key_by must be actor or origin", action)
		}
	}
	if c.ServiceIdentity.ActorID == "" {
		return fmt.Errorf("config.service_identity.actor_id is required")
	}
	for _, role := range c.Moderation.PrivilegedRoles {
		if role == "" {
			return fmt.Errorf("config.moderation.privileged_roles contains empty role")
		}
	}
	return nil
}

// IsPrivilegedRole reports whether the role carries the curator bypass.
func (c *Config) IsPrivilegedRole(role string) bool {
	for _, r := range c.Moderation.PrivilegedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gamedex.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(catalogName string) string {
	return fmt.Sprintf(defaultTemplate, catalogName)
}

// Default returns the default Config struct for a catalog.
func Default(catalogName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, catalogName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `catalog:
  name: %s

consensus:
  approve_threshold: 3
  reject_threshold: 3
  submission_threshold: 5
  mandate_seed: 999

rate_limits:
  proposal.create:
    window_minutes: 60
    max_count: 10
    key_by: actor
  entry.submit:
    window_minutes: 60
    max_count: 5
    key_by: origin

moderation:
  privileged_roles: [curator]
  blocked_words:
    - spamlink
    - freecoins

service_identity:
  actor_id: catalog-curator
`
