package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/policy"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	prop := cfg.Propagation.ManagerConfig()
	assert.Equal(t, 100*time.Millisecond, prop.DeduplicationWindow)
	assert.Equal(t, domain.ModeSynchronous, prop.TranslationMode)

	br := cfg.Bridge.BridgeConfig()
	assert.Equal(t, 100*time.Millisecond, br.SyncTimeout)
	assert.Equal(t, "last_writer_wins", br.ConflictStrategy)
	assert.InDelta(t, 0.8, br.ContextPreservationThreshold, 1e-9)
}

func TestLoadYAMLKeepsDefaultsForMissingFields(t *testing.T) {
	path := writeFile(t, "vexmesh.yaml", `
propagation:
  deduplication_window_ms: 250
  translation_mode: zero_copy
bridge:
  sync_timeout_ms: 50
  conflict_resolution: kernel_wins
logging:
  level: debug
rules_path: /etc/vexmesh/rules.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Propagation.DeduplicationWindowMS)
	assert.Equal(t, 10000, cfg.Propagation.MaxQueueSize)
	assert.Equal(t, domain.ModeZeroCopy, cfg.Propagation.ManagerConfig().TranslationMode)
	assert.Equal(t, 50*time.Millisecond, cfg.Bridge.BridgeConfig().SyncTimeout)
	assert.Equal(t, 3, cfg.Bridge.MaxRetryAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/etc/vexmesh/rules.yaml", cfg.RulesPath)
}

func TestLoadJSONFallback(t *testing.T) {
	path := writeFile(t, "vexmesh.json", `{"filtering": {"enabled": true, "default_sample_rate": 0.25}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.Filtering.EngineConfig().DefaultSampleRate, 1e-9)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VEXMESH_LOG_LEVEL", "warn")
	t.Setenv("VEXMESH_TRANSLATION_MODE", "asynchronous")
	t.Setenv("VEXMESH_CONFLICT_RESOLUTION", "first_writer_wins")
	t.Setenv("VEXMESH_SAMPLE_RATE", "0.5")
	t.Setenv("VEXMESH_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, domain.ModeAsynchronous, cfg.Propagation.ManagerConfig().TranslationMode)
	assert.Equal(t, "first_writer_wins", cfg.Bridge.ConflictResolution)
	assert.InDelta(t, 0.5, cfg.Filtering.DefaultSampleRate, 1e-9)
	assert.Equal(t, "collector:4317", cfg.Telemetry.ProviderConfig().Endpoint)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"queue size", func(c *Config) { c.Propagation.MaxQueueSize = 0 }, "propagation configuration"},
		{"translation mode", func(c *Config) { c.Propagation.TranslationMode = "teleport" }, "translation_mode"},
		{"sample rate", func(c *Config) { c.Filtering.DefaultSampleRate = 1.5 }, "filtering configuration"},
		{"threshold", func(c *Config) { c.Bridge.ContextPreservationThreshold = -0.1 }, "bridge configuration"},
		{"conflict strategy", func(c *Config) { c.Bridge.ConflictResolution = "coin_flip" }, "bridge configuration"},
		{"sync timeout", func(c *Config) { c.Bridge.SyncTimeoutMS = 0 }, "sync_timeout_ms"},
		{"metrics address", func(c *Config) { c.Metrics.Address = "" }, "metrics configuration"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging configuration"},
		{"failure mode", func(c *Config) { c.Filtering.FailureMode = "sideways" }, "filtering configuration"},
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

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := writeFile(t, "bad.yaml", "propagation: [unterminated")
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")

	path = writeFile(t, "invalid.yaml", "bridge:\n  max_retry_attempts: 0\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "configuration validation failed")
}

func TestPostureFromConfig(t *testing.T) {
	cfg := Default()
	set := cfg.Posture()
	assert.False(t, set.MatchOnError(policy.DomainRouting))
	assert.True(t, set.MatchOnError(policy.DomainFiltering))

	cfg.Routing.FailureMode = "fail_closed"
	cfg.Filtering.FailureMode = ""
	require.NoError(t, cfg.Validate())
	set = cfg.Posture()
	assert.True(t, set.MatchOnError(policy.DomainRouting))
	assert.True(t, set.MatchOnError(policy.DomainFiltering))
}
