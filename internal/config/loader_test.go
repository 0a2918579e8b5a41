package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when the file does not exist", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("AUTOPILOT_DATA_DIR", dir)
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "")

		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, dir, cfg.DataDir)
		assert.Equal(t, filepath.Join(dir, "state.db"), cfg.Store.Path)
		assert.Empty(t, cfg.Providers.Keys)
	})

	t.Run("should read providers from the file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "autopilot.json")
		body := `{
			"data_dir": "` + dir + `",
			"providers": {
				"hierarchy": ["openai", "anthropic"],
				"keys": [
					{"id": "o1", "provider": "openai", "api_key": "sk-one", "priority": 1},
					{"id": "o0", "provider": "openai", "api_key": "sk-zero", "priority": 0}
				]
			},
			"agent": {"max_iterations": 4}
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, []string{"openai", "anthropic"}, cfg.Providers.Hierarchy)
		require.Len(t, cfg.Providers.Keys, 2)
		assert.Equal(t, "o1", cfg.Providers.Keys[0].ID)
		assert.Equal(t, 4, cfg.Agent.MaxIterations)
		assert.Equal(t, 30, cfg.Executor.TimeoutSeconds)
	})

	t.Run("should read hooks, moderation and gateway settings", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "autopilot.json")
		t.Setenv("AUTOPILOT_GATEWAY_SHARED_SECRET", "from-env")
		body := `{
			"data_dir": "` + dir + `",
			"hooks": [{"id": "notify", "event": "job:completed", "url": "http://localhost:9000/done", "timeout": "5s"}],
			"moderation": {"enabled": true, "blocked_keywords": ["rm -rf"]},
			"gateway": {"jobs_per_minute": 5}
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		require.Len(t, cfg.Hooks, 1)
		assert.Equal(t, "job:completed", cfg.Hooks[0].Event)
		assert.Equal(t, 5*time.Second, cfg.Hooks[0].Timeout)
		assert.True(t, cfg.Moderation.Enabled)
		assert.Equal(t, []string{"rm -rf"}, cfg.Moderation.BlockedKeywords)
		assert.Equal(t, 5, cfg.Gateway.JobsPerMinute)
		assert.Equal(t, "from-env", cfg.Gateway.SharedSecret)
	})

	t.Run("should read tracing and session retention", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "autopilot.json")
		t.Setenv("AUTOPILOT_TRACING_ENDPOINT", "collector:4318")
		body := `{
			"data_dir": "` + dir + `",
			"tracing": {"insecure": true, "sample_ratio": 0.5},
			"store": {"session_retention_days": 7}
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, "collector:4318", cfg.Tracing.Endpoint)
		assert.True(t, cfg.Tracing.Insecure)
		assert.Equal(t, 0.5, cfg.Tracing.SampleRatio)
		assert.Equal(t, "autopilot", cfg.Tracing.ServiceName)
		assert.Equal(t, 7, cfg.Store.SessionRetentionDays)
	})

	t.Run("should let env override scalar settings", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("AUTOPILOT_DATA_DIR", dir)
		t.Setenv("AUTOPILOT_EXECUTOR_TIMEOUT_SECONDS", "5")

		cfg, err := NewLoader(filepath.Join(dir, "none.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Executor.TimeoutSeconds)
	})

	t.Run("should pick up provider keys from the environment", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("AUTOPILOT_DATA_DIR", dir)
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg, err := NewLoader(filepath.Join(dir, "none.json")).Load()
		require.NoError(t, err)

		require.Len(t, cfg.Providers.Keys, 2)
		assert.Equal(t, "anthropic", cfg.Providers.Keys[0].Provider)
		assert.Equal(t, "gemini", cfg.Providers.Keys[1].Provider)
	})

	t.Run("should fail on malformed json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{nope"), 0600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "autopilot.json")

	cfg := validConfig()
	cfg.DataDir = dir
	cfg.Agent.MaxIterations = 7

	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Agent.MaxIterations)
	assert.Len(t, loaded.Providers.Keys, 2)
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autopilot.json")

	cfg := validConfig()
	cfg.DataDir = dir
	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, 20*time.Millisecond, func(c *Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	cfg.Agent.MaxIterations = 3
	require.NoError(t, loader.Save(cfg))

	select {
	case c := <-changes:
		assert.Equal(t, 3, c.Agent.MaxIterations)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}

	cancel()
	assert.NoError(t, <-done)
}
