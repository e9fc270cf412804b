package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gateline/internal/lifecycle"
)

// Config models gateline.yml: deployment identity, governance overrides,
// RBAC and server integration settings. It is loaded once at startup; the
// lifecycle ruleset is built from it and passed by reference everywhere.
type Config struct {
	Deployment struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"deployment"`
	Attestations struct {
		// Checklists overrides the affirmation items of a gate, keyed by the
		// gate's target state. The gate set itself is fixed.
		Checklists map[string][]string `yaml:"checklists"`
	} `yaml:"attestations"`
	AI struct {
		EnabledStages []int `yaml:"enabled_stages"`
	} `yaml:"ai"`
	RBAC struct {
		Roles               map[string]RBACRole `yaml:"roles"`
		OverrideAuthorities []string            `yaml:"override_authorities"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with gl config import --file <path>", path)
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
	if c.Deployment.ID == "" {
		return fmt.Errorf("config.deployment.id is required")
	}
	if c.Deployment.Kind != "research-governance" {
		return fmt.Errorf("config.deployment.kind must be 'research-governance'")
	}
	for state, items := range c.Attestations.Checklists {
		s := lifecycle.State(state)
		if !lifecycle.Known(s) {
			return fmt.Errorf("checklist override for unknown state %s", state)
		}
		if len(items) == 0 {
			return fmt.Errorf("checklist override for %s is empty", state)
		}
		for _, item := range items {
			if item == "" {
				return fmt.Errorf("checklist override for %s has empty item", state)
			}
		}
	}
	for _, id := range c.AI.EnabledStages {
		if id <= 0 {
			return fmt.Errorf("ai.enabled_stages contains non-positive stage id %d", id)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for _, roleID := range c.RBAC.OverrideAuthorities {
		if roleID == "" {
			return fmt.Errorf("config.rbac.override_authorities has empty role id")
		}
		if len(c.RBAC.Roles) > 0 {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("override authority references unknown role %s", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// RulesetOptions maps the config overrides onto lifecycle options.
func (c *Config) RulesetOptions() lifecycle.Options {
	opts := lifecycle.Options{}
	if len(c.Attestations.Checklists) > 0 {
		opts.ChecklistOverrides = make(map[lifecycle.State][]string, len(c.Attestations.Checklists))
		for state, items := range c.Attestations.Checklists {
			opts.ChecklistOverrides[lifecycle.State(state)] = items
		}
	}
	if len(c.AI.EnabledStages) > 0 {
		opts.AIEnabledStages = c.AI.EnabledStages
	}
	return opts
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(deploymentID string) string {
	return fmt.Sprintf(defaultTemplate, deploymentID)
}

// Default returns the default Config struct for a deployment.
func Default(deploymentID string) *Config {
	var cfg Config
	cfg.Deployment.ID = deploymentID
	cfg.Deployment.Kind = "research-governance"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, deploymentID))).Decode(&cfg)
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

const defaultTemplate = `deployment:
  id: %s
  kind: research-governance

ai:
  enabled_stages: [9, 13, 14]

rbac:
  roles:
    owner:
      description: "Full control over datasets and governance"
      permissions:
        - dataset.register
        - dataset.read
        - dataset.list
        - dataset.transition
        - dataset.topic.update
        - dataset.attest
        - stage.authorize
        - stage.complete
        - phi.scan.record
        - phi.override
        - audit.read
        - keys.manage
    analyst:
      description: "Runs analysis stages; cannot override PHI findings"
      permissions:
        - dataset.read
        - dataset.list
        - stage.authorize
        - stage.complete
        - audit.read
    compliance:
      description: "Reviews scans, attests, and may override failed scans"
      permissions:
        - dataset.read
        - dataset.list
        - dataset.attest
        - phi.scan.record
        - phi.override
        - audit.read
  override_authorities: [owner, compliance]
`
