package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
	"github.com/harun/autopilot/pkg/commandqueue"
	"github.com/harun/autopilot/pkg/events"
	"github.com/harun/autopilot/pkg/provider"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/session"
	"github.com/harun/autopilot/pkg/statestore"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

// Detacher queues shell commands that outlive the tool call.
type Detacher interface {
	Detach(ctx context.Context, command string, sink events.Sink) (*sandbox.DetachedAck, error)
}

// Runner orchestrates agent runs
type Runner struct {
	sessions  *session.Manager
	tools     *toolexecutor.ToolExecutor
	completer provider.Completer
	queue     *commandqueue.CommandQueue
	store     *statestore.Store
	detacher  Detacher
	logger    zerolog.Logger

	maxIterations int
	temperature   float64
	maxTokens     int
	prompt        promptBuilder

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// Config holds runner configuration
type Config struct {
	Sessions  *session.Manager
	Tools     *toolexecutor.ToolExecutor
	Completer provider.Completer
	Queue     *commandqueue.CommandQueue
	// Store and Detacher are optional. Without a store tools get no
	// session state; without a detacher detached commands are refused.
	Store    *statestore.Store
	Detacher Detacher
	Logger   zerolog.Logger

	MaxIterations    int
	MaxContextTokens int
	Instructions     string
	Temperature      float64
	MaxTokens        int
	// TokenCounter defaults to ApproxTokens.
	TokenCounter TokenCounter
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.TokenCounter == nil {
		cfg.TokenCounter = ApproxTokens
	}

	return &Runner{
		sessions:      cfg.Sessions,
		tools:         cfg.Tools,
		completer:     cfg.Completer,
		queue:         cfg.Queue,
		store:         cfg.Store,
		detacher:      cfg.Detacher,
		logger:        cfg.Logger.With().Str("component", "agent").Logger(),
		maxIterations: cfg.MaxIterations,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		prompt: promptBuilder{
			instructions: cfg.Instructions,
			maxTokens:    cfg.MaxContextTokens,
			count:        cfg.TokenCounter,
		},
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run executes job in its session lane and waits for the outcome. Fatal
// failures are also published to sink as an error event.
func (r *Runner) Run(ctx context.Context, job Job, sink events.Sink) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := session.ValidateID(job.SessionID); err != nil {
		return nil, err
	}
	if job.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if job.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate job id: %w", err)
		}
		job.ID = id
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	sink = events.WithJob(sink, job.ID)

	ctx = tracing.NewRunContext(ctx, job.ID, job.SessionID)
	ctx, span := tracing.StartSpan(ctx, "autopilot.agent", "agent.run",
		attribute.String("job_id", job.ID),
		attribute.String("session_id", job.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	start := time.Now()
	value, err := r.queue.Enqueue(ctx, commandqueue.SessionLane(job.SessionID), func(taskCtx context.Context) (interface{}, error) {
		return r.execute(taskCtx, job, sink)
	})
	if err != nil {
		observability.RecordAgentRun(runOutcome(err), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Agent run failed")
		sink.Publish(events.Error(err.Error()))
		return nil, err
	}

	result := value.(*Result)
	observability.RecordAgentRun(string(result.Kind), time.Since(start))
	logger.Info().
		Str("kind", string(result.Kind)).
		Int("iterations", result.Iterations).
		Str("provider", result.Provider).
		Msg("Agent run completed")
	return result, nil
}

// Abort cancels the active run of a session. It reports whether a run was
// active.
func (r *Runner) Abort(sessionID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[sessionID]
	if !exists {
		r.logger.Debug().Str("session_id", sessionID).Msg("No active run to abort")
		return false
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Aborting agent run")
	cancel()
	delete(r.activeRuns, sessionID)
	return true
}

// IsRunning checks if a run is currently active for a session
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[sessionID]
	return exists
}

func runOutcome(err error) string {
	switch {
	case errors.Is(err, ErrIterationLimit):
		return "iteration_limit"
	case errors.Is(err, provider.ErrAllProvidersFailed):
		return "provider_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	}
	return "error"
}

// run is the state of one execution inside the session lane.
type run struct {
	*Runner
	job    Job
	sink   events.Sink
	sess   *session.Session
	data   *sessionData
	logger zerolog.Logger
	usage  provider.TokenUsage
}

func (r *Runner) execute(ctx context.Context, job Job, sink events.Sink) (*Result, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[job.SessionID] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, job.SessionID)
		r.runsMu.Unlock()
	}()

	sess, err := r.sessions.Load(execCtx, job.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	ru := &run{
		Runner: r,
		job:    job,
		sink:   sink,
		sess:   sess,
		data:   &sessionData{sess: sess},
		logger: tracing.LoggerFromContext(execCtx, r.logger),
	}
	if r.store != nil {
		ru.data.store = r.store.Session(job.SessionID)
	}

	if err := ru.record(execCtx, session.NewUserMessage(job.Prompt)); err != nil {
		return nil, err
	}
	if err := ru.checkRecovery(execCtx); err != nil {
		return nil, err
	}
	return ru.loop(execCtx)
}

// checkRecovery flags interrupted work so the model can resume it.
func (ru *run) checkRecovery(ctx context.Context) error {
	if ru.data.store == nil {
		return nil
	}
	needed, err := ru.data.store.IsRecoveryNeeded(ctx)
	if err != nil {
		ru.logger.Warn().Err(err).Msg("Failed to check recovery state")
		return nil
	}
	if needed {
		ru.sink.Publish(events.Status("Resuming interrupted work from saved project state"))
		ru.data.SetContext("recovery_needed", "true")
	} else {
		ru.data.SetContext("recovery_needed", "")
	}
	return ru.saveMeta(ctx)
}

func (ru *run) loop(ctx context.Context) (*Result, error) {
	for i := 1; i <= ru.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ru.sink.Publish(events.Status(fmt.Sprintf("Iteration %d/%d", i, ru.maxIterations)))
		if err := ru.record(ctx, session.NewThinkingMarker()); err != nil {
			return nil, err
		}

		completion, err := ru.complete(ctx)
		if err != nil {
			return nil, err
		}

		parsed, err := ParseResponse(completion.Text)
		if err != nil {
			observability.RecordProtocolError()
			observability.RecordIteration("protocol_error")
			ru.logger.Warn().Err(err).Int("iteration", i).Msg("Invalid completion")
			if err := ru.record(ctx, session.NewError(err.Error())); err != nil {
				return nil, err
			}
			continue
		}
		observability.RecordIteration(string(parsed.Kind))

		switch parsed.Kind {
		case KindThought:
			if err := ru.record(ctx, session.NewThought(parsed.Thought)); err != nil {
				return nil, err
			}

		case KindCommand:
			if err := ru.callTool(ctx, parsed.Command); err != nil {
				return nil, err
			}

		case KindCanvas:
			ru.sink.Publish(events.Canvas(parsed.Canvas.Content, parsed.Canvas.ContentType))
			if err := ru.record(ctx, session.NewCanvasOutput(parsed.Canvas.Content, parsed.Canvas.ContentType)); err != nil {
				return nil, err
			}
			return ru.result(ResultCanvas, CanvasAck, i), nil

		case KindAnswer:
			if err := ru.record(ctx, session.NewAgentResponse(parsed.Answer)); err != nil {
				return nil, err
			}
			return ru.result(ResultAnswer, parsed.Answer, i), nil
		}
	}
	return nil, fmt.Errorf("%w: no answer after %d iterations", ErrIterationLimit, ru.maxIterations)
}

func (ru *run) complete(ctx context.Context) (*provider.CompletionResult, error) {
	system := ru.prompt.systemPrompt(ru.tools.Catalog(), ru.sess.Context)
	completion, err := ru.completer.GetCompletion(ctx, provider.Request{
		SystemPrompt: system,
		Messages:     ru.prompt.messages(system, ru.sess.History),
		Schema:       ResponseSchema(),
		Temperature:  ru.temperature,
		MaxTokens:    ru.maxTokens,
		MaxAttempts:  ru.maxIterations,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	ru.usage.InputTokens += completion.Usage.InputTokens
	ru.usage.OutputTokens += completion.Usage.OutputTokens
	if completion.Provider != ru.sess.ActiveProvider {
		ru.logger.Info().
			Str("from", ru.sess.ActiveProvider).
			Str("to", completion.Provider).
			Msg("Active provider changed")
		ru.sess.ActiveProvider = completion.Provider
		if err := ru.saveMeta(ctx); err != nil {
			return nil, err
		}
	}
	return completion, nil
}

// callTool records the call, dispatches it and records its result. Tool
// failures become the result text.
func (ru *run) callTool(ctx context.Context, cmd *Command) error {
	call := session.NewToolCall(cmd.Name, cmd.Params)
	if err := ru.record(ctx, call); err != nil {
		return err
	}
	ru.sink.Publish(events.Status("Running tool " + cmd.Name))

	tc := &toolexecutor.ToolContext{
		Logger:  ru.logger.With().Str("tool", cmd.Name).Logger(),
		Job:     toolexecutor.Job{ID: ru.job.ID, Prompt: ru.job.Prompt},
		Session: ru.data,
		Sink:    ru.sink,
		Progress: func(message string) {
			ru.sink.Publish(events.Status(message))
		},
	}
	if ru.detacher != nil {
		tc.Enqueue = func(ctx context.Context, command string) (*sandbox.DetachedAck, error) {
			return ru.detacher.Detach(ctx, command, ru.sink)
		}
	}

	value, err := ru.tools.Dispatch(ctx, cmd.Name, cmd.Params, tc)
	text := toolexecutor.FormatResult(value)
	if err != nil {
		ru.logger.Warn().Err(err).Str("tool", cmd.Name).Msg("Tool failed")
		text = ToolErrorPrefix + err.Error()
	}

	// The result is recorded even when ctx was cancelled mid-call so the
	// call stays answered.
	if err := ru.record(context.WithoutCancel(ctx), session.NewToolResult(call, text)); err != nil {
		return err
	}
	if ru.data.dirty {
		return ru.saveMeta(ctx)
	}
	return nil
}

func (ru *run) record(ctx context.Context, msg session.Message) error {
	if err := ru.sessions.Append(ctx, ru.sess.ID, msg); err != nil {
		return fmt.Errorf("failed to record %s: %w", msg.Type, err)
	}
	ru.sess.History = append(ru.sess.History, msg)
	ru.sess.UpdatedAt = msg.Timestamp
	return nil
}

func (ru *run) saveMeta(ctx context.Context) error {
	if err := ru.sessions.SaveMeta(context.WithoutCancel(ctx), ru.sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	ru.data.dirty = false
	return nil
}

func (ru *run) result(kind ResultKind, text string, iterations int) *Result {
	return &Result{
		JobID:      ru.job.ID,
		SessionID:  ru.job.SessionID,
		Kind:       kind,
		Text:       text,
		Iterations: iterations,
		Provider:   ru.sess.ActiveProvider,
		Usage:      ru.usage,
	}
}

// sessionData exposes the running session to tools.
type sessionData struct {
	sess  *session.Session
	store *statestore.SessionStore
	dirty bool
}

func (d *sessionData) ID() string                      { return d.sess.ID }
func (d *sessionData) Context() map[string]string      { return d.sess.Context }
func (d *sessionData) Store() *statestore.SessionStore { return d.store }

func (d *sessionData) SetContext(key, value string) {
	if d.sess.Context[key] == value {
		return
	}
	d.sess.SetContext(key, value)
	d.dirty = true
}
