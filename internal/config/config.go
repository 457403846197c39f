package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PromptPlaceholder marks where the rendered prompt is substituted into the
// agent command arguments.
const PromptPlaceholder = "{prompt}"

// Duration wraps time.Duration so yaml values can be written as "10m" or "4h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config models forgeline.yml.
type Config struct {
	Agent struct {
		Command           string   `yaml:"command"`
		Args              []string `yaml:"args"`
		InactivityTimeout Duration `yaml:"inactivity_timeout"`
	} `yaml:"agent"`
	Orchestrator struct {
		MaxRetries    int  `yaml:"max_retries"`
		ReviewEnabled bool `yaml:"review_enabled"`
	} `yaml:"orchestrator"`
	Git struct {
		Author string `yaml:"author"`
		Push   bool   `yaml:"push"`
	} `yaml:"git"`
	Knowledge struct {
		SearchLimit        int      `yaml:"search_limit"`
		PruneMaxImportance int      `yaml:"prune_max_importance"`
		PruneAfter         Duration `yaml:"prune_after"`
	} `yaml:"knowledge"`
	Scheduler struct {
		Tick Duration `yaml:"tick"`
	} `yaml:"scheduler"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run fl init to create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when no config file exists.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.Command == "" {
		return fmt.Errorf("config.agent.command is required")
	}
	hasPlaceholder := false
	for _, arg := range c.Agent.Args {
		if strings.Contains(arg, PromptPlaceholder) {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		return fmt.Errorf("config.agent.args must contain the %s placeholder", PromptPlaceholder)
	}
	if c.Agent.InactivityTimeout.Duration <= 0 {
		return fmt.Errorf("config.agent.inactivity_timeout must be positive")
	}
	if c.Orchestrator.MaxRetries < 1 {
		return fmt.Errorf("config.orchestrator.max_retries must be at least 1")
	}
	if c.Knowledge.SearchLimit < 1 {
		return fmt.Errorf("config.knowledge.search_limit must be at least 1")
	}
	if c.Knowledge.PruneMaxImportance < 1 || c.Knowledge.PruneMaxImportance > 10 {
		return fmt.Errorf("config.knowledge.prune_max_importance must be between 1 and 10")
	}
	if c.Knowledge.PruneAfter.Duration <= 0 {
		return fmt.Errorf("config.knowledge.prune_after must be positive")
	}
	if c.Scheduler.Tick.Duration <= 0 {
		return fmt.Errorf("config.scheduler.tick must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `agent:
  command: claude
  args: ["-p", "{prompt}", "--dangerously-skip-permissions", "--verbose"]
  inactivity_timeout: 10m

orchestrator:
  max_retries: 3
  review_enabled: true

git:
  author: "Forgeline <forgeline@localhost>"
  push: true

knowledge:
  search_limit: 10
  prune_max_importance: 3
  prune_after: 2160h

scheduler:
  tick: 1m
`
