package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
	"github.com/harun/autopilot/pkg/commandqueue"
	"github.com/harun/autopilot/pkg/events"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultDetachedTimeout = 10 * time.Minute
)

// Config controls how commands are run on the host.
type Config struct {
	WorkspaceRoot    string
	Shell            string
	Timeout          time.Duration
	DetachedTimeout  time.Duration
	MaxOutputBytes   int
	MaxCommandLength int
	Denylist         []string
	Env              map[string]string
}

// DetachedAck is returned to the caller when a command has been queued.
type DetachedAck struct {
	Status string `json:"status"`
	TaskID string `json:"taskId"`
}

// Executor runs shell commands inside the workspace root. Foreground runs
// block and stream; detached runs go on the queue's detached lane.
type Executor struct {
	config Config
	policy *Policy
	queue  *commandqueue.CommandQueue
	logger zerolog.Logger
}

// NewExecutor validates config and creates the workspace root. queue may
// be nil, in which case Detach is unavailable.
func NewExecutor(config Config, queue *commandqueue.CommandQueue) (*Executor, error) {
	if config.WorkspaceRoot == "" {
		return nil, errors.New("workspace root is required")
	}
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.DetachedTimeout <= 0 {
		config.DetachedTimeout = DefaultDetachedTimeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultMaxOutputBytes
	}

	policy, err := NewPolicy(config.MaxCommandLength, config.Denylist)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(config.WorkspaceRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &Executor{
		config: config,
		policy: policy,
		queue:  queue,
		logger: log.With().Str("component", "executor").Logger(),
	}, nil
}

// WorkspaceRoot returns the directory commands run in.
func (e *Executor) WorkspaceRoot() string {
	return e.config.WorkspaceRoot
}

// Check applies the denylist and length limit without running anything.
func (e *Executor) Check(command string) error {
	return e.policy.Check(command)
}

// Run executes command in the foreground, forwarding output chunks to sink
// as tool_stream events. A non-zero exit code is returned in the Result.
func (e *Executor) Run(ctx context.Context, command string, sink events.Sink) (*Result, error) {
	sessionID := tracing.GetSessionID(ctx)
	if err := e.policy.Check(command); err != nil {
		observability.RecordCommandAudit(ctx, sessionID, command, "denied", map[string]interface{}{"reason": err.Error()})
		observability.RecordCommand("foreground", "denied", 0)
		return nil, err
	}
	observability.RecordCommandAudit(ctx, sessionID, command, "executed", nil)

	ctx, span := tracing.StartSpan(ctx, "autopilot/sandbox", "sandbox.run",
		attribute.String("command", command))
	defer span.End()

	result, err := e.execute(ctx, command, e.config.Timeout, sink)
	outcome := outcomeOf(err)
	observability.RecordCommand("foreground", outcome, result.Duration)
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("exit_code", result.ExitCode))

	logger := tracing.LoggerFromContext(ctx, e.logger)
	if err != nil {
		span.RecordError(err)
		logger.Warn().Err(err).Str("command", command).Msg("Command failed")
		return nil, err
	}
	logger.Debug().
		Str("command", command).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command completed")
	return &result, nil
}

// Detach validates command and queues it on the detached lane. Output and
// the final exit status are published to sink as the command runs.
func (e *Executor) Detach(ctx context.Context, command string, sink events.Sink) (*DetachedAck, error) {
	if e.queue == nil {
		return nil, errors.New("detached execution is not configured")
	}
	sessionID := tracing.GetSessionID(ctx)
	if err := e.policy.Check(command); err != nil {
		observability.RecordCommandAudit(ctx, sessionID, command, "denied", map[string]interface{}{"reason": err.Error()})
		observability.RecordCommand("detached", "denied", 0)
		return nil, err
	}
	if sink == nil {
		sink = events.NopSink{}
	}

	runCtx := tracing.Detach(ctx)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	taskID, err := e.queue.Submit(runCtx, commandqueue.DetachedLane, func(taskCtx context.Context) (interface{}, error) {
		result, err := e.execute(taskCtx, command, e.config.DetachedTimeout, sink)
		observability.RecordCommand("detached", outcomeOf(err), result.Duration)
		if err != nil {
			logger.Warn().Err(err).Str("command", command).Msg("Detached command failed")
			sink.Publish(events.Error(fmt.Sprintf("Detached command %q failed: %v", command, err)))
			return nil, err
		}
		sink.Publish(events.Status(fmt.Sprintf("Detached command %q exited with code %d", command, result.ExitCode)))
		return &result, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}

	observability.RecordCommandAudit(ctx, sessionID, command, "enqueued", map[string]interface{}{"task_id": taskID})
	logger.Info().Str("task_id", taskID).Str("command", command).Msg("Command enqueued")
	return &DetachedAck{Status: "enqueued", TaskID: taskID}, nil
}

func (e *Executor) execute(ctx context.Context, command string, timeout time.Duration, sink events.Sink) (Result, error) {
	proc := NewProcess(Spec{
		Command:        command,
		Shell:          e.config.Shell,
		Dir:            e.config.WorkspaceRoot,
		Env:            e.config.Env,
		MaxOutputBytes: e.config.MaxOutputBytes,
	})
	if sink != nil {
		proc.OnData(func(stream, chunk string) {
			sink.Publish(events.ToolStream(stream, chunk))
		})
	}
	if err := proc.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}
	return proc.Wait(ctx, timeout)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, ErrOutputLimitExceeded):
		return "output_limit"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrSpawnFailed):
		return "spawn_failed"
	default:
		return "error"
	}
}
