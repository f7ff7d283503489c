package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sluice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval.Duration)
	assert.Equal(t, 60*time.Second, cfg.Worker.ProcessingTimeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Actions.WebhookTimeout.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.OlderThan.Duration)
	assert.True(t, cfg.Recovery.Enabled)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  environment: production
worker:
  concurrency: 4
  poll_interval: 250ms
actions:
  email_mode: disabled
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "production", cfg.Server.Environment)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval.Duration)
	assert.Equal(t, "disabled", cfg.Actions.EmailMode)

	// Untouched sections keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Worker.ProcessingTimeout.Duration)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SLUICE_TEST_DB", "postgres://app:secret@db:5432/events")

	path := writeConfig(t, `
database:
  url: ${SLUICE_TEST_DB}
  max_connections: ${SLUICE_TEST_POOL:-15}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://app:secret@db:5432/events", cfg.Database.URL)
	assert.Equal(t, 15, cfg.Database.MaxConnections)
}

func TestExpandEnvUnsetWithoutDefault(t *testing.T) {
	assert.Equal(t, "url: ", ExpandEnv("url: ${SLUICE_TEST_UNSET_VAR}"))
	assert.Equal(t, "url: fallback", ExpandEnv("url: ${SLUICE_TEST_UNSET_VAR:-fallback}"))
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "worker:\n  poll_interval: fast\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid duration "fast"`)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/sluice.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad environment", func(c *Config) { c.Server.Environment = "staging" }, "server.environment"},
		{"empty database url", func(c *Config) { c.Database.URL = "" }, "database.url is required"},
		{"zero pool", func(c *Config) { c.Database.MaxConnections = 0 }, "max_connections"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"zero poll interval", func(c *Config) { c.Worker.PollInterval.Duration = 0 }, "poll_interval"},
		{"zero processing timeout", func(c *Config) { c.Worker.ProcessingTimeout.Duration = 0 }, "processing_timeout"},
		{"bad cron schedule", func(c *Config) { c.Recovery.Schedule = "whenever" }, "recovery.schedule"},
		{"zero recovery window", func(c *Config) { c.Recovery.OlderThan.Duration = 0 }, "older_than"},
		{"bad email mode", func(c *Config) { c.Actions.EmailMode = "smtp" }, "email_mode"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
