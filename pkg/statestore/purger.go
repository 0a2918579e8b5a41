package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPurgeSchedule runs the purge hourly.
const DefaultPurgeSchedule = "@every 1h"

// SessionPruner deletes conversation histories idle for longer than maxAge.
type SessionPruner interface {
	PruneOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

// Purger deletes expired rows, and optionally idle session histories, on a
// cron schedule.
type Purger struct {
	store    *Store
	schedule string
	logger   zerolog.Logger

	sessions      SessionPruner
	sessionMaxAge time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPurger validates schedule (standard cron or a descriptor such as
// "@every 30m") and returns a stopped purger.
func NewPurger(store *Store, schedule string, logger zerolog.Logger) (*Purger, error) {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return &Purger{
		store:    store,
		schedule: schedule,
		logger:   logger.With().Str("component", "purger").Logger(),
	}, nil
}

// WithSessions makes every purge also delete session histories idle for
// longer than maxAge. A non-positive maxAge leaves histories alone. Call
// it before Start.
func (p *Purger) WithSessions(sessions SessionPruner, maxAge time.Duration) *Purger {
	if maxAge > 0 {
		p.sessions = sessions
		p.sessionMaxAge = maxAge
	}
	return p
}

// RunOnce purges immediately and returns the number of state rows removed.
func (p *Purger) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := p.store.PurgeExpired(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Purge failed")
		return n, err
	}
	if n > 0 {
		p.logger.Info().Int64("rows", n).Dur("duration", time.Since(start)).Msg("Purged expired state")
	}

	if p.sessions == nil {
		return n, nil
	}
	removed, err := p.sessions.PruneOlderThan(ctx, p.sessionMaxAge)
	if err != nil {
		p.logger.Error().Err(err).Msg("Session prune failed")
		return n, fmt.Errorf("failed to prune sessions: %w", err)
	}
	if removed > 0 {
		p.logger.Info().Int("sessions", removed).Dur("max_age", p.sessionMaxAge).Msg("Pruned idle sessions")
	}
	return n, nil
}

// Start runs one purge and then schedules the rest.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() {
		_, _ = p.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule purge: %w", err)
	}
	_, _ = p.RunOnce(ctx)
	c.Start()

	p.cron = c
	p.running = true
	p.logger.Debug().Str("schedule", p.schedule).Msg("Purger started")
	return nil
}

// Stop halts scheduling and waits for a running purge to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.running = false
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
