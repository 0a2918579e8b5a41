package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/autopilot/internal/config"
	"github.com/harun/autopilot/internal/logger"
	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/pkg/agent"
	"github.com/harun/autopilot/pkg/commandqueue"
	"github.com/harun/autopilot/pkg/coretools"
	"github.com/harun/autopilot/pkg/hooks"
	"github.com/harun/autopilot/pkg/moderation"
	"github.com/harun/autopilot/pkg/provider"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/session"
	"github.com/harun/autopilot/pkg/statestore"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

// app holds every component a command may need. Fields are nil when the
// command did not ask for them.
type app struct {
	cfg    *config.Config
	loader *config.Loader
	log    *logger.Logger
	logger zerolog.Logger

	store    *statestore.Store
	keys     provider.KeyStore
	selector *provider.Selector
	queue    *commandqueue.CommandQueue
	executor *sandbox.Executor
	sessions *session.Manager
	runner   *agent.Runner
	hooks    *hooks.Manager
	filter   *moderation.ContentFilter
}

// loadConfig reads and validates the config and sets up logging.
func loadConfig() (*app, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cfg.AuditLog != "" {
		if err := observability.InitAuditLogger(cfg.AuditLog); err != nil {
			lg.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	return &app{
		cfg:    cfg,
		loader: loader,
		log:    lg,
		logger: lg.Zerolog(),
	}, nil
}

// openStore opens only the state store, for the state commands.
func openStore() (*app, error) {
	a, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a.store, err = statestore.Open(statestore.Config{
		Path:   a.cfg.Store.Path,
		Logger: a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// bootstrap wires the whole engine.
func bootstrap(ctx context.Context) (*app, error) {
	a, err := openStore()
	if err != nil {
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.Providers.KeyStore {
	case "memory":
		a.keys = provider.NewMemoryKeyStore()
	default:
		store, err := provider.OpenSQLKeyStore(filepath.Join(cfg.DataDir, "keys.db"))
		if err != nil {
			return err
		}
		a.keys = store
	}

	a.selector = provider.NewSelector(provider.Config{
		Hierarchy:        cfg.Providers.Hierarchy,
		Models:           cfg.Providers.Models,
		FailureThreshold: cfg.Providers.FailureThreshold,
		Logger:           a.logger,
	}, a.keys, provider.NewFactory(provider.AdapterConfig{
		Models:      cfg.Providers.Models,
		MaxTokens:   cfg.Agent.MaxTokens,
		Temperature: cfg.Agent.Temperature,
	}))
	if err := a.selector.SyncKeys(ctx, providerKeys(cfg)); err != nil {
		return fmt.Errorf("failed to sync provider keys: %w", err)
	}

	a.queue = commandqueue.New()
	if cfg.Executor.DetachedConcurrency > 0 {
		a.queue.SetConcurrency(commandqueue.DetachedLane, cfg.Executor.DetachedConcurrency)
	}

	executor, err := sandbox.NewExecutor(sandbox.Config{
		WorkspaceRoot:    cfg.Executor.WorkspaceRoot,
		Shell:            cfg.Executor.Shell,
		Timeout:          time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		MaxOutputBytes:   cfg.Executor.MaxOutputBytes,
		MaxCommandLength: cfg.Executor.MaxCommandLength,
		Denylist:         cfg.Executor.Denylist,
	}, a.queue)
	if err != nil {
		return err
	}
	a.executor = executor

	tools := toolexecutor.New()
	if err := tools.SetPolicy(&toolexecutor.ToolPolicy{
		Allow: cfg.Agent.Tools.Allow,
		Deny:  cfg.Agent.Tools.Deny,
	}); err != nil {
		return fmt.Errorf("invalid tool policy: %w", err)
	}
	if err := coretools.RegisterCoreTools(tools, coretools.Options{Executor: executor}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	a.sessions, err = session.NewManager(cfg.SessionsDir())
	if err != nil {
		return err
	}

	a.hooks, err = hooks.NewManager(hooks.Config{Hooks: cfg.Hooks, Logger: a.logger})
	if err != nil {
		return fmt.Errorf("invalid hooks: %w", err)
	}

	a.filter, err = moderation.New(cfg.Moderation)
	if err != nil {
		return fmt.Errorf("invalid moderation config: %w", err)
	}

	a.runner, err = agent.NewRunner(agent.Config{
		Sessions:         a.sessions,
		Tools:            tools,
		Completer:        a.selector,
		Queue:            a.queue,
		Store:            a.store,
		Detacher:         executor,
		Logger:           a.logger,
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxContextTokens: cfg.Agent.MaxContextTokens,
		Instructions:     cfg.Agent.Instructions,
		Temperature:      cfg.Agent.Temperature,
		MaxTokens:        cfg.Agent.MaxTokens,
		TokenCounter:     agent.NewTokenCounter(cfg.Providers.Models[cfg.Providers.Hierarchy[0]]),
	})
	return err
}

// reload applies a changed config to the running engine. Only provider
// keys and hierarchy take effect without a restart.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	if err := a.selector.SyncKeys(ctx, providerKeys(cfg)); err != nil {
		a.logger.Error().Err(err).Msg("Failed to re-sync provider keys")
		return
	}
	a.selector.SetHierarchy(cfg.Providers.Hierarchy, cfg.Providers.Models)
	a.logger.Info().Strs("hierarchy", cfg.Providers.Hierarchy).Int("keys", len(cfg.Providers.Keys)).Msg("Provider configuration reloaded")
}

func providerKeys(cfg *config.Config) []provider.Key {
	keys := make([]provider.Key, 0, len(cfg.Providers.Keys))
	for _, k := range cfg.Providers.Keys {
		keys = append(keys, provider.Key{
			ID:         k.ID,
			Provider:   k.Provider,
			Credential: k.APIKey,
			Priority:   k.Priority,
		})
	}
	return keys
}

// Close releases everything that was opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.keys != nil {
		errs = append(errs, a.keys.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.cfg != nil && a.cfg.AuditLog != "" {
		errs = append(errs, observability.GetAuditLogger().Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
