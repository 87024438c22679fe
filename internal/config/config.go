package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ResumePolicy controls where a resumed pipeline picks up after on_hold.
const (
	ResumeFromStage = "resume"
	RestartPipeline = "restart"
)

// Config models draftline.yml.
type Config struct {
	Pipeline struct {
		QualityThreshold float64 `yaml:"quality_threshold"`
		MaxRefinements   int     `yaml:"max_refinements"`
		ResumePolicy     string  `yaml:"resume_policy"`
		LeaseSeconds     int     `yaml:"lease_seconds"`
	} `yaml:"pipeline"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Pipeline.QualityThreshold = 7.0
	cfg.Pipeline.MaxRefinements = 2
	cfg.Pipeline.ResumePolicy = ResumeFromStage
	cfg.Pipeline.LeaseSeconds = 900
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.QualityThreshold < 0 || c.Pipeline.QualityThreshold > 10 {
		return fmt.Errorf("pipeline.quality_threshold must be in [0,10], got %v", c.Pipeline.QualityThreshold)
	}
	if c.Pipeline.MaxRefinements < 0 {
		return fmt.Errorf("pipeline.max_refinements must be >= 0, got %d", c.Pipeline.MaxRefinements)
	}
	if c.Pipeline.ResumePolicy != ResumeFromStage && c.Pipeline.ResumePolicy != RestartPipeline {
		return fmt.Errorf("pipeline.resume_policy must be %q or %q", ResumeFromStage, RestartPipeline)
	}
	if c.Pipeline.LeaseSeconds <= 0 {
		return fmt.Errorf("pipeline.lease_seconds must be > 0, got %d", c.Pipeline.LeaseSeconds)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// unset in the file keep their defaults.
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `pipeline:
  # Drafts scoring at or above this pass the refinement loop early.
  quality_threshold: 7.0
  # Upper bound on draft-then-evaluate iterations per task.
  max_refinements: 2
  # resume: continue from the interrupted stage after on_hold.
  # restart: rerun the pipeline from research.
  resume_policy: resume
  # Pipeline run lease duration.
  lease_seconds: 900
`
