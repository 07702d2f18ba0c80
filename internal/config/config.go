// Package config loads swarmcore's YAML configuration file: store
// connection info, the workspace-default model profile, task budget
// defaults, the UI bus ring size, and the bash tool's shell policy.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig describes how to reach the persistent store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

// ModelProfileConfig is the workspace-default model endpoint, loaded from
// config until a workspace overrides it via its own ModelProfile rows.
type ModelProfileConfig struct {
	Provider     string            `yaml:"provider"` // "zhipuai" or "openai-compatible"
	Model        string            `yaml:"model"`
	BaseURL      string            `yaml:"base_url"`
	APIKey       string            `yaml:"api_key"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

// TaskBudgetConfig holds the operator-tunable task supervisor defaults.
type TaskBudgetConfig struct {
	MaxDurationMs        int64   `yaml:"max_duration_ms"`
	MaxTurns             int     `yaml:"max_turns"`
	MaxTokenDelta        int     `yaml:"max_token_delta"`
	StartGroupTokens     int     `yaml:"start_group_tokens"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	RepeatRatioThreshold float64 `yaml:"repeat_ratio_threshold"`
	IdleTimeoutMs        int64   `yaml:"idle_timeout_ms"`
	TickIntervalSeconds  int     `yaml:"tick_interval_seconds"`
	// EvaluationCron, if set, overrides TickIntervalSeconds with a cron
	// expression (standard 5-field, or a descriptor like "@every 10s")
	// the supervisor uses to schedule its evaluate() calls instead of a
	// flat interval — useful for concentrating evaluation cycles away
	// from a provider's peak-traffic minutes.
	EvaluationCron string `yaml:"evaluation_cron"`
}

// ShellPolicyConfig bounds the bash tool's execution.
type ShellPolicyConfig struct {
	WorkspaceRoot     string `yaml:"workspace_root"`
	DefaultTimeoutMs  int64  `yaml:"default_timeout_ms"`
	MaxOutputBytes    int    `yaml:"max_output_bytes"`
	Shell             string `yaml:"shell"` // empty = platform default
}

// LoggingConfig configures internal/obs.NewLogger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Config is the top-level configuration document.
type Config struct {
	WorkspaceID  string              `yaml:"workspace_id"`
	Store        StoreConfig         `yaml:"store"`
	DefaultModel ModelProfileConfig  `yaml:"default_model"`
	TaskBudget   TaskBudgetConfig    `yaml:"task_budget"`
	BusRingSize  int                 `yaml:"bus_ring_size"`
	Shell        ShellPolicyConfig   `yaml:"shell"`
	Logging      LoggingConfig       `yaml:"logging"`
	HTTPAddr     string              `yaml:"http_addr"`
	MetricsAddr  string              `yaml:"metrics_addr"`
}

// Default returns a Config with every field at its spec-mandated default,
// suitable for local/dev runs and as the base merged under a loaded file.
func Default() Config {
	return Config{
		WorkspaceID: "default",
		Store:       StoreConfig{Driver: "memory"},
		TaskBudget: TaskBudgetConfig{
			MaxDurationMs:        30 * 60 * 1000,
			MaxTurns:             200,
			MaxTokenDelta:        1 << 20,
			StartGroupTokens:     0,
			SimilarityThreshold:  0.9,
			RepeatRatioThreshold: 0.6,
			IdleTimeoutMs:        90_000,
			TickIntervalSeconds:  10,
		},
		BusRingSize: 2000,
		Shell: ShellPolicyConfig{
			WorkspaceRoot:    ".",
			DefaultTimeoutMs: 120_000,
			MaxOutputBytes:   1 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
	}
}

// TickInterval converts TickIntervalSeconds to a time.Duration, falling
// back to 10s when unset.
func (c TaskBudgetConfig) TickInterval() time.Duration {
	if c.TickIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// Load reads the YAML file at path, expands $VAR / ${VAR} references
// against the process environment (matching the way operators write
// secrets into swarmcore's config files), and merges the result over
// Default(). An empty path returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the handful of fields whose absence would make the
// façade impossible to bootstrap correctly.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", "memory", "postgres", c.Store.Driver)
	}
	if c.BusRingSize < 1 {
		return fmt.Errorf("bus_ring_size must be >= 1")
	}
	return nil
}
