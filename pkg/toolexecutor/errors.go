package toolexecutor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotFound is wrapped by a ValidationError for unknown tool names
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNotAllowed is wrapped by a ValidationError when policy denies the tool
	ErrToolNotAllowed = errors.New("tool not allowed by policy")

	// ErrInvalidParameters is wrapped by a ValidationError on schema mismatch
	ErrInvalidParameters = errors.New("invalid tool parameters")

	// ErrToolTimeout is wrapped by a ToolExecutionError when a handler overruns its timeout
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic is wrapped by a ToolExecutionError when a handler panics
	ErrToolPanic = errors.New("tool panicked")
)

// ValidationError means the call was rejected before the handler ran.
type ValidationError struct {
	Tool    string
	Err     error
	Details []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Err, e.Tool)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ToolExecutionError means the handler ran and failed.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
