package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/harun/autopilot/internal/logger"
	"github.com/harun/autopilot/internal/tracing"
	"github.com/harun/autopilot/pkg/hooks"
	"github.com/harun/autopilot/pkg/moderation"
)

// Config is the autopilot configuration file.
type Config struct {
	DataDir   string          `json:"data_dir" mapstructure:"data_dir"`
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Executor  ExecutorConfig  `json:"executor" mapstructure:"executor"`
	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Logging   logger.Config   `json:"logging" mapstructure:"logging"`
	Tracing   tracing.Config  `json:"tracing" mapstructure:"tracing"`
	AuditLog  string          `json:"audit_log" mapstructure:"audit_log"`

	// Hooks run on job lifecycle events.
	Hooks      []hooks.Hook      `json:"hooks" mapstructure:"hooks"`
	Moderation moderation.Config `json:"moderation" mapstructure:"moderation"`
}

// ProvidersConfig is the failover hierarchy: providers are tried in
// Hierarchy order, keys within a provider by ascending priority.
type ProvidersConfig struct {
	Hierarchy        []string          `json:"hierarchy" mapstructure:"hierarchy"`
	Keys             []KeyConfig       `json:"keys" mapstructure:"keys"`
	Models           map[string]string `json:"models" mapstructure:"models"`
	FailureThreshold int               `json:"failure_threshold" mapstructure:"failure_threshold"`
	KeyStore         string            `json:"key_store" mapstructure:"key_store"` // memory, sqlite
}

// KeyConfig is one credential for a provider.
type KeyConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

type AgentConfig struct {
	MaxIterations    int              `json:"max_iterations" mapstructure:"max_iterations"`
	Temperature      float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens        int              `json:"max_tokens" mapstructure:"max_tokens"`
	MaxContextTokens int              `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	Instructions     string           `json:"instructions" mapstructure:"instructions"`
	Tools            ToolPolicyConfig `json:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// ExecutorConfig holds shell command limits.
type ExecutorConfig struct {
	WorkspaceRoot       string   `json:"workspace_root" mapstructure:"workspace_root"`
	Shell               string   `json:"shell" mapstructure:"shell"`
	TimeoutSeconds      int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes      int      `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	MaxCommandLength    int      `json:"max_command_length" mapstructure:"max_command_length"`
	Denylist            []string `json:"denylist" mapstructure:"denylist"`
	DetachedConcurrency int      `json:"detached_concurrency" mapstructure:"detached_concurrency"`
}

type StoreConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	PurgeSchedule string `json:"purge_schedule" mapstructure:"purge_schedule"`

	// SessionRetentionDays deletes session histories idle this long; 0 keeps them.
	SessionRetentionDays int `json:"session_retention_days" mapstructure:"session_retention_days"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`

	// SharedSecret guards the job API when set.
	SharedSecret  string `json:"shared_secret" mapstructure:"shared_secret"`
	JobsPerMinute int    `json:"jobs_per_minute" mapstructure:"jobs_per_minute"`
}

// Addr returns host:port for the listener.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// SupportedProviders lists the provider names with a built-in adapter.
var SupportedProviders = []string{"anthropic", "openai", "gemini", "ollama", "mistral", "groq"}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Hierarchy: []string{"anthropic", "openai", "gemini"},
			Keys:      []KeyConfig{},
			Models: map[string]string{
				"anthropic": "claude-sonnet-4-20250514",
				"openai":    "gpt-4o",
				"gemini":    "gemini-2.0-flash",
			},
			FailureThreshold: 5,
			KeyStore:         "sqlite",
		},
		Agent: AgentConfig{
			MaxIterations:    10,
			Temperature:      0.2,
			MaxTokens:        4096,
			MaxContextTokens: 100000,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Executor: ExecutorConfig{
			Shell:               "/bin/sh",
			TimeoutSeconds:      30,
			MaxOutputBytes:      10 * 1024 * 1024,
			MaxCommandLength:    1000,
			DetachedConcurrency: 2,
		},
		Store: StoreConfig{
			PurgeSchedule:        "@every 1h",
			SessionRetentionDays: 30,
		},
		Gateway: GatewayConfig{
			Port:          8080,
			Host:          "127.0.0.1",
			JobsPerMinute: 60,
		},
		Tracing: tracing.Config{
			ServiceName: "autopilot",
			SampleRatio: 1,
		},
		Logging: logger.Config{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// applyDataDir fills in paths derived from the data directory.
func (c *Config) applyDataDir() {
	if c.DataDir == "" {
		return
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "state.db")
	}
	if c.Executor.WorkspaceRoot == "" {
		c.Executor.WorkspaceRoot = filepath.Join(c.DataDir, "workspace")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "autopilot.log")
	}
}

// SessionsDir is where session history files live.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// String returns a JSON representation of the config with keys masked.
func (c *Config) String() string {
	masked := *c
	masked.Providers.Keys = make([]KeyConfig, len(c.Providers.Keys))
	for i, k := range c.Providers.Keys {
		k.APIKey = MaskKey(k.APIKey)
		masked.Providers.Keys[i] = k
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// MaskKey keeps the last four characters of a credential.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers.Hierarchy) == 0 {
		return fmt.Errorf("providers.hierarchy must name at least one provider")
	}
	for _, p := range c.Providers.Hierarchy {
		if !slices.Contains(SupportedProviders, p) {
			return fmt.Errorf("providers.hierarchy: unsupported provider %q", p)
		}
	}

	v := NewValidator()
	seen := make(map[string]bool)
	for i, key := range c.Providers.Keys {
		if key.ID == "" {
			return fmt.Errorf("provider key %d: id is required", i)
		}
		if seen[key.ID] {
			return fmt.Errorf("provider key %s: duplicate id", key.ID)
		}
		seen[key.ID] = true
		if !slices.Contains(c.Providers.Hierarchy, key.Provider) {
			return fmt.Errorf("provider key %s: provider %q is not in the hierarchy", key.ID, key.Provider)
		}
		if err := v.ValidateAPIKey(key.APIKey, key.Provider); err != nil {
			return fmt.Errorf("provider key %s: %w", key.ID, err)
		}
	}
	if c.Providers.FailureThreshold < 1 {
		return fmt.Errorf("providers.failure_threshold must be at least 1")
	}
	if c.Providers.KeyStore != "memory" && c.Providers.KeyStore != "sqlite" {
		return fmt.Errorf("providers.key_store must be memory or sqlite, got %q", c.Providers.KeyStore)
	}

	if c.Store.SessionRetentionDays < 0 {
		return fmt.Errorf("store.session_retention_days cannot be negative")
	}

	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if err := v.ValidateTemperature(c.Agent.Temperature); err != nil {
		return err
	}

	if c.Executor.TimeoutSeconds < 1 {
		return fmt.Errorf("executor.timeout_seconds must be positive")
	}
	if c.Executor.MaxOutputBytes < 1 {
		return fmt.Errorf("executor.max_output_bytes must be positive")
	}
	if c.Executor.MaxCommandLength < 1 {
		return fmt.Errorf("executor.max_command_length must be positive")
	}
	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return err
	}
	return nil
}
