// Package config provides configuration loading for swarmd.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables, with hardcoded defaults applied last for any
// value left unset.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// Config holds the complete swarmd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      logging.Config     `koanf:"logging"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Model        ModelConfig        `koanf:"model"`
	Workspace    WorkspaceConfig    `koanf:"workspace"`
	Store        store.Config       `koanf:"store"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	KeepAliveInterval time.Duration `koanf:"keep_alive_interval"`
}

// OrchestratorConfig governs the supervisor loop. Both limits are explicit
// configuration values rather than hard-coded constants.
type OrchestratorConfig struct {
	// MaxAttempts is the circuit-breaker threshold: a lane whose
	// failure_count reaches it is terminally failed.
	MaxAttempts int `koanf:"max_attempts"`

	// MaxParallelLanes bounds how many lanes execute concurrently.
	MaxParallelLanes int `koanf:"max_parallel_lanes"`

	// MaxWorkerTurns bounds the worker's tool-call loop per attempt.
	MaxWorkerTurns int `koanf:"max_worker_turns"`
}

// ModelConfig configures the external model-call collaborator.
type ModelConfig struct {
	WorkerModelID   string        `koanf:"worker_model_id"`
	VerifierModelID string        `koanf:"verifier_model_id"`
	PlannerModelID  string        `koanf:"planner_model_id"`
	CallTimeout     time.Duration `koanf:"call_timeout"`

	// Retry controls transport-failure retries per external call.
	Retry RetryConfig `koanf:"retry"`

	// RateLimitRPS and RateLimitBurst throttle model invocations.
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`

	// BaseURL points the provider client at an OpenAI-compatible API.
	// The API key is read from the OPENAI_API_KEY environment variable.
	BaseURL string `koanf:"base_url"`

	// CostPer1KTokens prices calls from provider token counts. Zero
	// disables cost attribution.
	CostPer1KTokens float64 `koanf:"cost_per_1k_tokens"`
}

// WorkspaceConfig locates the directory lanes operate on.
type WorkspaceConfig struct {
	Root           string        `koanf:"root"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// RetryConfig configures exponential backoff for external calls.
type RetryConfig struct {
	MaxRetries        int           `koanf:"max_retries"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "localhost",
			Port:              9290,
			ShutdownTimeout:   10 * time.Second,
			KeepAliveInterval: 30 * time.Second,
		},
		Logging: *logging.NewDefaultConfig(),
		Orchestrator: OrchestratorConfig{
			MaxAttempts:      3,
			MaxParallelLanes: 4,
			MaxWorkerTurns:   20,
		},
		Model: ModelConfig{
			WorkerModelID:   "claude-sonnet-4-5-20250929",
			VerifierModelID: "claude-sonnet-4-5-20250929",
			PlannerModelID:  "claude-sonnet-4-5-20250929",
			CallTimeout:     120 * time.Second,
			Retry: RetryConfig{
				MaxRetries:        3,
				InitialBackoff:    time.Second,
				MaxBackoff:        30 * time.Second,
				BackoffMultiplier: 2.0,
			},
			RateLimitRPS:   2,
			RateLimitBurst: 4,
		},
		Workspace: WorkspaceConfig{
			Root:           ".",
			CommandTimeout: 2 * time.Minute,
		},
		Store: *store.DefaultConfig(),
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return errors.New("orchestrator.max_attempts must be at least 1")
	}
	if c.Orchestrator.MaxParallelLanes < 1 {
		return errors.New("orchestrator.max_parallel_lanes must be at least 1")
	}
	if c.Orchestrator.MaxWorkerTurns < 1 {
		return errors.New("orchestrator.max_worker_turns must be at least 1")
	}
	if c.Model.CallTimeout <= 0 {
		return errors.New("model.call_timeout must be positive")
	}
	if c.Model.WorkerModelID == "" || c.Model.VerifierModelID == "" || c.Model.PlannerModelID == "" {
		return errors.New("model ids must be set")
	}
	if c.Model.Retry.BackoffMultiplier < 1 {
		return errors.New("model.retry.backoff_multiplier must be at least 1")
	}
	if c.Workspace.Root == "" {
		return errors.New("workspace.root must be set")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
