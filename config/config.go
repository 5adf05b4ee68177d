// Package config resolves the recognized configuration keys from (lowest
// to highest priority) built-in defaults, an optional on-disk YAML file,
// and COMPLETENESS_* environment variables. It is consumed only by
// cmd/completeness — the orchestrator package itself never touches a
// file, it takes a plain orchestrator.Config struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the on-disk config file name, looked up under the
// workspace root.
const FileName = ".completeness/config.yaml"

// Model holds the model.* keys.
type Model struct {
	Backend     string  `yaml:"backend"`
	Name        string  `yaml:"name"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	BaseURL     string  `yaml:"base_url"`
}

// Limits holds the limits.* keys.
type Limits struct {
	MaxIterations       int     `yaml:"max_iterations"`
	MaxRuntimeHours     float64 `yaml:"max_runtime_hours"`
	CompletionThreshold int     `yaml:"completion_threshold"`
}

// Agents holds the agents.* keys.
type Agents struct {
	ImplementerPrompt            string `yaml:"implementer_prompt"`
	ReviewerImplementationPrompt string `yaml:"reviewer_implementation_prompt"`
	ReviewerTestingPrompt        string `yaml:"reviewer_testing_prompt"`
	TestingPhaseThreshold        int    `yaml:"testing_phase_threshold"`
	MaxToolIterations            int    `yaml:"max_tool_iterations"`
}

// Features holds the features.* keys. auto_fix_tests is informational
// only — it shapes the prompts handed to the agents, it does not change
// the cycle controller's own behavior.
type Features struct {
	AutoFixTests bool `yaml:"auto_fix_tests"`
}

// Config is the full recognized key set, as described in the external
// interfaces surface.
type Config struct {
	Model    Model    `yaml:"model"`
	Limits   Limits   `yaml:"limits"`
	Agents   Agents   `yaml:"agents"`
	Features Features `yaml:"features"`
}

// Default returns the built-in defaults for every recognized key.
func Default() *Config {
	return &Config{
		Model: Model{
			Backend:     "http",
			Name:        "",
			MaxTokens:   4096,
			Temperature: 0.2,
			BaseURL:     "",
		},
		Limits: Limits{
			MaxIterations:       50,
			MaxRuntimeHours:     8,
			CompletionThreshold: 70,
		},
		Agents: Agents{
			TestingPhaseThreshold: 70,
			MaxToolIterations:     20,
		},
		Features: Features{
			AutoFixTests: false,
		},
	}
}

// Load resolves configuration for a session rooted at workDir: defaults,
// then the on-disk file if present, then COMPLETENESS_* environment
// variables, each layer overriding the last.
func Load(workDir string) (*Config, error) {
	cfg := Default()

	fileCfg, err := loadFile(filepath.Join(workDir, FileName))
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		merge(cfg, fileCfg)
	}

	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *Config) {
	if src.Model.Backend != "" {
		dst.Model.Backend = src.Model.Backend
	}
	if src.Model.Name != "" {
		dst.Model.Name = src.Model.Name
	}
	if src.Model.MaxTokens != 0 {
		dst.Model.MaxTokens = src.Model.MaxTokens
	}
	if src.Model.Temperature != 0 {
		dst.Model.Temperature = src.Model.Temperature
	}
	if src.Model.BaseURL != "" {
		dst.Model.BaseURL = src.Model.BaseURL
	}
	if src.Limits.MaxIterations != 0 {
		dst.Limits.MaxIterations = src.Limits.MaxIterations
	}
	if src.Limits.MaxRuntimeHours != 0 {
		dst.Limits.MaxRuntimeHours = src.Limits.MaxRuntimeHours
	}
	if src.Limits.CompletionThreshold != 0 {
		dst.Limits.CompletionThreshold = src.Limits.CompletionThreshold
	}
	if src.Agents.ImplementerPrompt != "" {
		dst.Agents.ImplementerPrompt = src.Agents.ImplementerPrompt
	}
	if src.Agents.ReviewerImplementationPrompt != "" {
		dst.Agents.ReviewerImplementationPrompt = src.Agents.ReviewerImplementationPrompt
	}
	if src.Agents.ReviewerTestingPrompt != "" {
		dst.Agents.ReviewerTestingPrompt = src.Agents.ReviewerTestingPrompt
	}
	if src.Agents.TestingPhaseThreshold != 0 {
		dst.Agents.TestingPhaseThreshold = src.Agents.TestingPhaseThreshold
	}
	if src.Agents.MaxToolIterations != 0 {
		dst.Agents.MaxToolIterations = src.Agents.MaxToolIterations
	}
	if src.Features.AutoFixTests {
		dst.Features.AutoFixTests = true
	}
}

// applyEnv overrides cfg in place from COMPLETENESS_* environment
// variables, the highest-priority layer.
func applyEnv(cfg *Config) {
	if v := os.Getenv("COMPLETENESS_MODEL_BACKEND"); v != "" {
		cfg.Model.Backend = v
	}
	if v := os.Getenv("COMPLETENESS_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("COMPLETENESS_MODEL_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.MaxTokens = n
		}
	}
	if v := os.Getenv("COMPLETENESS_MODEL_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Model.Temperature = f
		}
	}
	if v := os.Getenv("COMPLETENESS_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("COMPLETENESS_LIMITS_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxIterations = n
		}
	}
	if v := os.Getenv("COMPLETENESS_LIMITS_MAX_RUNTIME_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.MaxRuntimeHours = f
		}
	}
	if v := os.Getenv("COMPLETENESS_LIMITS_COMPLETION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.CompletionThreshold = n
		}
	}
	if v := os.Getenv("COMPLETENESS_AGENTS_TESTING_PHASE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.TestingPhaseThreshold = n
		}
	}
	if v := os.Getenv("COMPLETENESS_AGENTS_MAX_TOOL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.MaxToolIterations = n
		}
	}
	if v := strings.ToLower(os.Getenv("COMPLETENESS_FEATURES_AUTO_FIX_TESTS")); v == "true" || v == "1" {
		cfg.Features.AutoFixTests = true
	}
}

// APIKeyEnvVar is where the reference HTTP backend adapter reads its API
// key from — never stored in the YAML file or any other config layer.
const APIKeyEnvVar = "COMPLETENESS_API_KEY"
