package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/autopilot"
	cfg.applyDataDir()
	cfg.Providers.Keys = []KeyConfig{
		{ID: "a1", Provider: "anthropic", APIKey: "sk-ant-test-key", Priority: 0},
		{ID: "o1", Provider: "openai", APIKey: "sk-test-key", Priority: 1},
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept the defaults with keys", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("should reject an unknown provider in the hierarchy", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers.Hierarchy = append(cfg.Providers.Hierarchy, "acme")
		assert.ErrorContains(t, cfg.Validate(), "unsupported provider")
	})

	t.Run("should reject keys for providers outside the hierarchy", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers.Hierarchy = []string{"anthropic"}
		assert.ErrorContains(t, cfg.Validate(), "not in the hierarchy")
	})

	t.Run("should reject duplicate key ids", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers.Keys[1].ID = "a1"
		assert.ErrorContains(t, cfg.Validate(), "duplicate id")
	})

	t.Run("should reject malformed anthropic keys", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers.Keys[0].APIKey = "sk-not-anthropic"
		assert.ErrorContains(t, cfg.Validate(), "sk-ant-")
	})

	t.Run("should reject a zero iteration budget", func(t *testing.T) {
		cfg := validConfig()
		cfg.Agent.MaxIterations = 0
		assert.ErrorContains(t, cfg.Validate(), "max_iterations")
	})

	t.Run("should reject a bad key store", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers.KeyStore = "redis"
		assert.ErrorContains(t, cfg.Validate(), "key_store")
	})

	t.Run("should keep sessions for 30 days by default", func(t *testing.T) {
		cfg := validConfig()
		assert.Equal(t, 30, cfg.Store.SessionRetentionDays)
		cfg.Store.SessionRetentionDays = -1
		assert.ErrorContains(t, cfg.Validate(), "session_retention_days")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 30, cfg.Executor.TimeoutSeconds)
	assert.Equal(t, 10*1024*1024, cfg.Executor.MaxOutputBytes)
	assert.Equal(t, 1000, cfg.Executor.MaxCommandLength)
	assert.Equal(t, 5, cfg.Providers.FailureThreshold)
}

func TestConfigString(t *testing.T) {
	out := validConfig().String()

	assert.NotContains(t, out, "sk-ant-test-key")
	assert.Contains(t, out, "****-key")
}

func TestApplyDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.applyDataDir()

	require.Equal(t, "/data/state.db", cfg.Store.Path)
	assert.Equal(t, "/data/workspace", cfg.Executor.WorkspaceRoot)
	assert.Equal(t, "/data/autopilot.log", cfg.Logging.File)
	assert.Equal(t, "/data/sessions", cfg.SessionsDir())
}
