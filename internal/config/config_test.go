package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 4, cfg.Orchestrator.MaxParallelLanes)
	assert.True(t, cfg.Store.RetainTerminal)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"zero max attempts", func(c *Config) { c.Orchestrator.MaxAttempts = 0 }},
		{"zero parallelism", func(c *Config) { c.Orchestrator.MaxParallelLanes = 0 }},
		{"zero worker turns", func(c *Config) { c.Orchestrator.MaxWorkerTurns = 0 }},
		{"zero call timeout", func(c *Config) { c.Model.CallTimeout = 0 }},
		{"missing worker model", func(c *Config) { c.Model.WorkerModelID = "" }},
		{"backoff multiplier below one", func(c *Config) { c.Model.Retry.BackoffMultiplier = 0.5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 8181
orchestrator:
  max_attempts: 5
  max_parallel_lanes: 2
model:
  call_timeout: 45s
store:
  retain_terminal: false
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 2, cfg.Orchestrator.MaxParallelLanes)
	assert.Equal(t, 45*time.Second, cfg.Model.CallTimeout)
	assert.False(t, cfg.Store.RetainTerminal)

	// Unset keys keep defaults.
	assert.Equal(t, Default().Model.WorkerModelID, cfg.Model.WorkerModelID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8181\n"), 0o600))

	t.Setenv("SWARMD_SERVER_PORT", "8282")
	t.Setenv("SWARMD_ORCHESTRATOR_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8282, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Orchestrator.MaxAttempts)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	t.Setenv("SWARMD_ORCHESTRATOR_MAX_ATTEMPTS", "-1")
	_, err := Load("")
	assert.Error(t, err)
}
