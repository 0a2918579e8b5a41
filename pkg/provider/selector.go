package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
)

const (
	DefaultFailureThreshold  = 5
	DefaultMaxAttempts       = 10
	DefaultRateLimitCooldown = time.Minute
)

// Config controls failover.
type Config struct {
	Hierarchy        []string
	Models           map[string]string
	FailureThreshold int
	// RateLimitCooldown benches a rate-limited key for this long.
	RateLimitCooldown time.Duration
	MaxAttempts       int
	Logger            zerolog.Logger
	Now               func() time.Time
}

// Selector implements Completer over a KeyStore and a Factory.
type Selector struct {
	config  Config
	store   KeyStore
	factory Factory
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	fingerprint string
	client      LLMProvider
}

// NewSelector creates a selector. The store must already hold the keys.
func NewSelector(cfg Config, store KeyStore, factory Factory) *Selector {
	observability.EnsureRegistered()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RateLimitCooldown == 0 {
		cfg.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Selector{
		config:  cfg,
		store:   store,
		factory: factory,
		logger:  cfg.Logger.With().Str("component", "provider").Logger(),
		clients: make(map[string]cachedClient),
	}
}

// SyncKeys loads configured keys into the store and drops keys no longer
// configured.
func (s *Selector) SyncKeys(ctx context.Context, keys []Key) error {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := s.store.Upsert(ctx, k); err != nil {
			return err
		}
		ids = append(ids, k.ID)
	}
	if err := s.store.Retain(ctx, ids); err != nil {
		return err
	}

	s.mu.Lock()
	s.clients = make(map[string]cachedClient)
	s.mu.Unlock()
	return nil
}

// SetHierarchy replaces the provider order, e.g. after a config reload.
func (s *Selector) SetHierarchy(hierarchy []string, models map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Hierarchy = append([]string(nil), hierarchy...)
	if models != nil {
		s.config.Models = models
	}
}

func (s *Selector) snapshot() ([]string, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Hierarchy, s.config.Models
}

// Keys returns the current health of every key in hierarchy order.
func (s *Selector) Keys(ctx context.Context) ([]Key, error) {
	hierarchy, _ := s.snapshot()
	var all []Key
	for _, name := range hierarchy {
		keys, err := s.store.Keys(ctx, name)
		if err != nil {
			return nil, err
		}
		all = append(all, keys...)
	}
	return all, nil
}

// GetCompletion tries candidates in order until one succeeds, the attempt
// budget runs out or the hierarchy is exhausted.
func (s *Selector) GetCompletion(ctx context.Context, request Request) (*CompletionResult, error) {
	hierarchy, models := s.snapshot()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	keys := make(map[string][]Key, len(hierarchy))
	for _, name := range hierarchy {
		ks, err := s.store.Keys(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load keys for %s: %w", name, err)
		}
		keys[name] = ks
	}
	it := NewCandidateIterator(hierarchy, keys, s.config.Now())

	maxAttempts := request.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.MaxAttempts
	}

	var (
		attempts []Attempt
		lastErr  error
		lastKind = KindUnknown
	)
	for len(attempts) < maxAttempts {
		candidate, ok := it.Next()
		if !ok {
			break
		}

		req := request
		if req.Model == "" {
			req.Model = models[candidate.Provider]
		}

		resp, err := s.attempt(ctx, candidate, req)
		if err == nil {
			if rerr := s.store.RecordSuccess(ctx, candidate.Key.ID); rerr != nil {
				logger.Warn().Err(rerr).Str("key_id", candidate.Key.ID).Msg("Failed to reset key failures")
			}
			return &CompletionResult{
				Text:     resp.Content,
				Provider: candidate.Provider,
				KeyID:    candidate.Key.ID,
				Model:    req.Model,
				Attempts: len(attempts) + 1,
				Usage:    resp.Usage,
			}, nil
		}

		// The caller gave up; that says nothing about the key.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := Classify(err)
		lastErr, lastKind = err, kind
		attempts = append(attempts, Attempt{
			Provider: candidate.Provider,
			KeyID:    candidate.Key.ID,
			Kind:     kind,
			Error:    err.Error(),
		})
		s.penalize(ctx, logger, candidate, kind)

		logger.Warn().
			Err(err).
			Str("provider", candidate.Provider).
			Str("key_id", candidate.Key.ID).
			Str("kind", string(kind)).
			Msg("Provider attempt failed")

		it.Advance(kind)
	}

	if lastErr == nil {
		lastErr = ErrNoCandidates
	}
	return nil, &Error{
		Kind:     lastKind,
		Attempts: attempts,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrAllProvidersFailed, len(attempts), lastErr),
	}
}

func (s *Selector) attempt(ctx context.Context, c Candidate, req Request) (resp *Response, err error) {
	ctx, span := tracing.StartSpan(ctx, "autopilot/provider", "provider.complete",
		attribute.String("provider", c.Provider),
		attribute.String("key_id", c.Key.ID),
		attribute.String("model", req.Model))
	defer span.End()

	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = string(Classify(err))
			span.RecordError(err)
		}
		observability.RecordProviderAttempt(c.Provider, result, time.Since(start))
	}()

	client, err := s.client(c)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, req)
}

func (s *Selector) penalize(ctx context.Context, logger zerolog.Logger, c Candidate, kind ErrorKind) {
	if kind == KindAuthFailed {
		if err := s.store.Disable(ctx, c.Key.ID, reasonAuthFailed); err != nil {
			logger.Error().Err(err).Str("key_id", c.Key.ID).Msg("Failed to disable key")
			return
		}
		observability.RecordKeyDisabled(c.Provider, reasonAuthFailed)
		observability.RecordKeyAudit(ctx, c.Provider, c.Key.ID, "disabled:"+reasonAuthFailed)
		return
	}

	var cooldown time.Duration
	if kind == KindRateLimited {
		cooldown = s.config.RateLimitCooldown
	}
	key, err := s.store.RecordFailure(ctx, c.Key.ID, s.config.FailureThreshold, cooldown)
	if err != nil {
		logger.Error().Err(err).Str("key_id", c.Key.ID).Msg("Failed to record key failure")
		return
	}
	if key.Disabled && key.DisabledReason == reasonThreshold && key.FailureCount == s.config.FailureThreshold {
		observability.RecordKeyDisabled(c.Provider, reasonThreshold)
		observability.RecordKeyAudit(ctx, c.Provider, c.Key.ID, "disabled:"+reasonThreshold)
		logger.Warn().Str("key_id", c.Key.ID).Int("failures", key.FailureCount).Msg("Key disabled after repeated failures")
	}
}

func (s *Selector) client(c Candidate) (LLMProvider, error) {
	fp := fingerprint(c.Key.Credential)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.clients[c.Key.ID]; ok && cached.fingerprint == fp {
		return cached.client, nil
	}
	client, err := s.factory(c)
	if err != nil {
		return nil, err
	}
	s.clients[c.Key.ID] = cachedClient{fingerprint: fp, client: client}
	return client, nil
}

// IsFatal reports whether err ended provider selection for good.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAllProvidersFailed)
}
