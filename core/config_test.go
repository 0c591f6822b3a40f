package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 24, cfg.Context.ExpirationHours)
	assert.Equal(t, 50, cfg.Context.MaxTurnsPerContext)
	assert.Equal(t, 0.4, cfg.Context.FollowUpThreshold)
	assert.Equal(t, 3, cfg.Detection.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Detection.BackoffInitial)
	assert.Equal(t, 50, cfg.Detection.KeepCompleted)
	assert.Equal(t, 30*time.Second, cfg.Detection.PageTimeout)
	assert.Equal(t, 0.1, cfg.Monitor.MaxErrorRate)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voltlens.yaml")
	data := `
providers:
  - type: claude
    enabled: true
    priority: 10
    config:
      api_key: test-key
      model: claude-sonnet
    fallback_providers: [openai]
  - type: openai
    enabled: false
    priority: 5
    config:
      api_key: test-key-2
detection:
  workers: 8
redis_url: redis://localhost:6379/2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "claude", cfg.Providers[0].Type)
	assert.True(t, cfg.Providers[0].Enabled)
	assert.Equal(t, 10, cfg.Providers[0].Priority)
	assert.Equal(t, []string{"openai"}, cfg.Providers[0].FallbackProviders)
	assert.Equal(t, "test-key", cfg.Providers[0].Config["api_key"])
	assert.False(t, cfg.Providers[1].Enabled)

	assert.Equal(t, 8, cfg.Detection.Workers)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 3, cfg.Detection.MaxAttempts)
	assert.Equal(t, 24, cfg.Context.ExpirationHours)
	assert.Equal(t, "redis://localhost:6379/2", cfg.RedisURL)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: [unclosed"), 0o644))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("VOLTLENS_REDIS_URL", "redis://env-host:6379")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "redis://env-host:6379", cfg.RedisURL)
}

func TestLoadConfigGenericRedisEnv(t *testing.T) {
	t.Setenv("VOLTLENS_REDIS_URL", "")
	t.Setenv("REDIS_URL", "redis://fallback-host:6379")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "redis://fallback-host:6379", cfg.RedisURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero expiration", func(c *Config) { c.Context.ExpirationHours = 0 }},
		{"negative preserve", func(c *Config) { c.Context.PreserveRecentTurns = -1 }},
		{"ratio above one", func(c *Config) { c.Context.TargetCompressionRatio = 1.5 }},
		{"zero workers", func(c *Config) { c.Detection.Workers = 0 }},
		{"zero attempts", func(c *Config) { c.Detection.MaxAttempts = 0 }},
		{"threshold above one", func(c *Config) { c.Detection.ConfidenceThreshold = 1.5 }},
		{"provider without type", func(c *Config) { c.Providers = []ProviderConfig{{Enabled: true}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
		})
	}
}
