package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	dirName  = ".autopilot"
	fileName = "autopilot.json"
)

// keyEnvVars maps providers to the conventional environment variable that
// holds their credential.
var keyEnvVars = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file when it exists, then applies AUTOPILOT_*
// environment overrides and provider keys from the usual env vars.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, dirName)
	}
	cfg.applyDataDir()

	if len(cfg.Providers.Keys) == 0 {
		cfg.Providers.Keys = keysFromEnv(cfg.Providers.Hierarchy)
	}
	return cfg, nil
}

// setDefaults registers scalar defaults so AutomaticEnv can override them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("audit_log", d.AuditLog)
	v.SetDefault("providers.failure_threshold", d.Providers.FailureThreshold)
	v.SetDefault("providers.key_store", d.Providers.KeyStore)
	v.SetDefault("agent.max_iterations", d.Agent.MaxIterations)
	v.SetDefault("agent.temperature", d.Agent.Temperature)
	v.SetDefault("agent.max_tokens", d.Agent.MaxTokens)
	v.SetDefault("agent.max_context_tokens", d.Agent.MaxContextTokens)
	v.SetDefault("executor.workspace_root", d.Executor.WorkspaceRoot)
	v.SetDefault("executor.shell", d.Executor.Shell)
	v.SetDefault("executor.timeout_seconds", d.Executor.TimeoutSeconds)
	v.SetDefault("executor.max_output_bytes", d.Executor.MaxOutputBytes)
	v.SetDefault("executor.max_command_length", d.Executor.MaxCommandLength)
	v.SetDefault("executor.detached_concurrency", d.Executor.DetachedConcurrency)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.purge_schedule", d.Store.PurgeSchedule)
	v.SetDefault("store.session_retention_days", d.Store.SessionRetentionDays)
	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.jobs_per_minute", d.Gateway.JobsPerMinute)
	v.SetDefault("gateway.shared_secret", d.Gateway.SharedSecret)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

func keysFromEnv(hierarchy []string) []KeyConfig {
	var keys []KeyConfig
	for _, provider := range hierarchy {
		name, ok := keyEnvVars[provider]
		if !ok {
			continue
		}
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			keys = append(keys, KeyConfig{
				ID:       provider + "-env",
				Provider: provider,
				APIKey:   key,
			})
		}
	}
	return keys
}

// Save writes the configuration as JSON, creating the directory if needed.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path available")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.Set("data_dir", cfg.DataDir)
	v.Set("providers", cfg.Providers)
	v.Set("agent", cfg.Agent)
	v.Set("executor", cfg.Executor)
	v.Set("store", cfg.Store)
	v.Set("gateway", cfg.Gateway)
	v.Set("hooks", cfg.Hooks)
	v.Set("moderation", cfg.Moderation)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("audit_log", cfg.AuditLog)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, fileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
