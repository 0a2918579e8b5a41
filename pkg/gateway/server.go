package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/pkg/agent"
	"github.com/harun/autopilot/pkg/events"
	"github.com/harun/autopilot/pkg/hooks"
	"github.com/harun/autopilot/pkg/moderation"
	"github.com/harun/autopilot/pkg/session"
)

// JobRunner executes one agent job, streaming its events to sink.
type JobRunner interface {
	Run(ctx context.Context, job agent.Job, sink events.Sink) (*agent.Result, error)
}

// HistoryReader returns the persisted messages of a session.
type HistoryReader interface {
	History(ctx context.Context, id string) ([]session.Message, error)
}

// Server is the HTTP and WebSocket front end of the agent.
type Server struct {
	addr        string
	server      *http.Server
	upgrader    websocket.Upgrader
	jobs        *JobRegistry
	runner      JobRunner
	history     HistoryReader
	hooks       *hooks.Manager
	filter      *moderation.ContentFilter
	authHandler *AuthHandler
	limiter     *ClientRateLimiter
	dedup       *dedupCache
	logger      zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inFlight   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Addr          string
	SharedSecret  string
	JobsPerMinute int
	JobTTL        time.Duration
	Runner        JobRunner
	History       HistoryReader

	// IdempotencyTTL bounds how long an Idempotency-Key replays its job.
	IdempotencyTTL time.Duration

	// Hooks and Filter are optional.
	Hooks  *hooks.Manager
	Filter *moderation.ContentFilter
	Logger zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("job runner is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history reader is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr: cfg.Addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		jobs:        NewJobRegistry(cfg.JobTTL, logger),
		runner:      cfg.Runner,
		history:     cfg.History,
		hooks:       cfg.Hooks,
		filter:      cfg.Filter,
		authHandler: NewAuthHandler(cfg.SharedSecret),
		limiter:     NewClientRateLimiter(cfg.JobsPerMinute),
		dedup:       newDedupCache(cfg.IdempotencyTTL),
		logger:      logger,
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler builds the router. It is exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authHandler.Middleware)
		r.With(s.limiter.Middleware).Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
		r.Get("/sessions/{id}/history", s.handleSessionHistory)
	})
	return r
}

// Jobs exposes the job registry.
func (s *Server) Jobs() *JobRegistry {
	return s.jobs
}

// Start listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway listening")

	go s.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown cancels running jobs, waits for them, and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down gateway")
	s.baseCancel()
	s.jobs.CancelAll()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.jobs.Prune(now); n > 0 {
				s.logger.Debug().Int("pruned", n).Msg("Pruned finished jobs")
			}
			s.dedup.Prune(now)
		}
	}
}

// submit registers a job and runs it in the background.
func (s *Server) submit(sessionID, prompt string) (*Job, error) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	job, err := s.jobs.Create(sessionID, prompt, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer cancel()
		s.execute(ctx, job)
	}()
	return job, nil
}

func (s *Server) execute(ctx context.Context, job *Job) {
	logger := s.logger.With().Str("job_id", job.ID).Str("session_id", job.SessionID).Logger()
	job.setStatus(JobRunning)
	job.Events.Publish(events.Status("Job started"))
	s.trigger(ctx, hooks.EventJobStarted, job)

	result, err := s.runner.Run(ctx, agent.Job{
		ID:        job.ID,
		SessionID: job.SessionID,
		Prompt:    job.Prompt,
	}, job.Events)

	switch {
	case err == nil:
		job.finish(JobCompleted, result, "")
		logger.Info().Int("iterations", result.Iterations).Msg("Job completed")
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		job.finish(JobCancelled, nil, err.Error())
		logger.Info().Msg("Job cancelled")
	default:
		job.finish(JobFailed, nil, err.Error())
		logger.Warn().Err(err).Msg("Job failed")
	}

	event := hooks.EventJobFailed
	switch job.View().Status {
	case JobCompleted:
		event = hooks.EventJobCompleted
	case JobCancelled:
		event = hooks.EventJobCancelled
	}
	s.trigger(context.WithoutCancel(ctx), event, job)
}

func (s *Server) trigger(ctx context.Context, event string, job *Job) {
	if !s.hooks.Has(event) {
		return
	}
	v := job.View()
	data := map[string]interface{}{
		"job_id":     v.JobID,
		"session_id": v.SessionID,
		"status":     string(v.Status),
	}
	if v.Result != nil {
		data["result"] = v.Result.Text
		data["iterations"] = v.Result.Iterations
	}
	if v.Error != "" {
		data["error"] = v.Error
	}
	if err := s.hooks.Trigger(ctx, event, data); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event", event).
			Str("job_id", v.JobID).
			Msg("Lifecycle hook failed")
	}
}
