// Package config loads the YAML runtime configuration for the CLI demo.
// Grounded on internal/config/config.go's Load: read the whole file, expand
// environment variables, decode one YAML document into a typed struct, then
// apply defaults and validate. The $include/json5/multi-format support in
// the teacher's loader is not carried over — the demo only ever reads one
// plain YAML file, so that generality has no caller here.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fennelabs/agentloop/internal/loopdetect"
	"github.com/fennelabs/agentloop/pkg/model"
)

// RuntimeConfig is the top-level document cmd/agentloop-demo reads: the
// provider to drive, its generation parameters, and the chat-loop/loop
// detector tuning §4.6/§4.8 expose as knobs.
type RuntimeConfig struct {
	Provider      string               `yaml:"provider"`
	Model         string               `yaml:"model"`
	SystemPrompt  string               `yaml:"system_prompt"`
	MaxRounds     int                  `yaml:"max_rounds"`
	Generation    model.ProviderConfig `yaml:"provider_config"`
	LoopDetection loopDetectionConfig  `yaml:"loop_detection"`
}

// loopDetectionConfig mirrors loopdetect.Config with yaml tags; it is
// converted to loopdetect.Config by ToLoopDetectConfig rather than adding
// yaml tags directly to that package, keeping loopdetect free of a config
// dependency.
type loopDetectionConfig struct {
	WindowSize            int `yaml:"window_size"`
	MaxDuplicates         int `yaml:"max_duplicates"`
	MinPatternLength      int `yaml:"min_pattern_length"`
	MaxPatternLength      int `yaml:"max_pattern_length"`
	MinPatternRepetitions int `yaml:"min_pattern_repetitions"`
}

// ToLoopDetectConfig converts the YAML-shaped config into loopdetect.Config
// using its documented defaults (loopdetect.DefaultConfig's graduated
// warn/warn/terminate actions).
func (c loopDetectionConfig) ToLoopDetectConfig() loopdetect.Config {
	d := loopdetect.DefaultConfig()
	cfg := loopdetect.Config{
		WindowSize:            c.WindowSize,
		MaxDuplicates:         c.MaxDuplicates,
		MinPatternLength:      c.MinPatternLength,
		MaxPatternLength:      c.MaxPatternLength,
		MinPatternRepetitions: c.MinPatternRepetitions,
		Actions:               d.Actions,
	}
	return cfg
}

// Load reads path, expands environment variables (the way Nexus's loader
// does via os.ExpandEnv before decoding), decodes it as a single YAML
// document, applies defaults, and validates the embedded ProviderConfig.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg RuntimeConfig
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Generation.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *RuntimeConfig) {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.Generation.MaxTokens <= 0 || cfg.Generation.Temperature == 0 {
		defaults := model.DefaultProviderConfig()
		if cfg.Generation.MaxTokens <= 0 {
			cfg.Generation.MaxTokens = defaults.MaxTokens
		}
		if cfg.Generation.Temperature == 0 {
			cfg.Generation.Temperature = defaults.Temperature
		}
		if cfg.Generation.MaxToolTurns == 0 {
			cfg.Generation.MaxToolTurns = defaults.MaxToolTurns
		}
	}
	if cfg.Generation.SystemPrompt == "" {
		cfg.Generation.SystemPrompt = cfg.SystemPrompt
	}
}
