package toolexecutor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/autopilot/pkg/events"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/statestore"
)

// Job identifies the run a tool call belongs to.
type Job struct {
	ID     string
	Prompt string
}

// SessionData is the per-session state a tool may read and update.
type SessionData interface {
	ID() string
	Context() map[string]string
	SetContext(key, value string)
	Store() *statestore.SessionStore
}

// EnqueueFunc queues a shell command on the detached lane and returns
// without waiting for it.
type EnqueueFunc func(ctx context.Context, command string) (*sandbox.DetachedAck, error)

// ToolContext is handed to every handler. All fields are optional; the
// accessor methods are safe on a zero or nil ToolContext.
type ToolContext struct {
	Logger   zerolog.Logger
	Job      Job
	Session  SessionData
	Sink     events.Sink
	Enqueue  EnqueueFunc
	Progress func(message string)
}

// Events returns the job's event sink, never nil.
func (tc *ToolContext) Events() events.Sink {
	if tc == nil || tc.Sink == nil {
		return events.NopSink{}
	}
	return tc.Sink
}

// Report forwards a progress message to the caller, if one listens.
func (tc *ToolContext) Report(message string) {
	if tc == nil || tc.Progress == nil {
		return
	}
	tc.Progress(message)
}

// Log returns the tool logger, falling back to a disabled one.
func (tc *ToolContext) Log() *zerolog.Logger {
	if tc == nil {
		l := zerolog.Nop()
		return &l
	}
	return &tc.Logger
}

type toolContextKey struct{}

// ContextWithToolContext attaches tc to ctx for code below the handler.
func ContextWithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFromContext extracts the tool context, or nil.
func ToolContextFromContext(ctx context.Context) *ToolContext {
	if ctx == nil {
		return nil
	}
	if tc, ok := ctx.Value(toolContextKey{}).(*ToolContext); ok {
		return tc
	}
	return nil
}
