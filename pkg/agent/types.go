package agent

import (
	"errors"

	"github.com/harun/autopilot/pkg/provider"
)

const (
	DefaultMaxIterations    = 10
	DefaultMaxContextTokens = 100_000

	// CanvasAck is what a run returns after displaying canvas content.
	CanvasAck = "Agent displayed content on the canvas."

	// ToolErrorPrefix starts the tool_result recorded for a failed tool.
	ToolErrorPrefix = "Error executing tool: "
)

var (
	// ErrIterationLimit ends a run that used its whole iteration budget
	// without an answer.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrProtocolViolation marks a completion that is not exactly one of
	// thought, command, canvas or answer.
	ErrProtocolViolation = errors.New("response violates the agent protocol")

	ErrEmptyPrompt = errors.New("prompt cannot be empty")
)

// Job is one prompt to run against a session.
type Job struct {
	ID        string `json:"jobId"`
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// ResultKind tells how a run ended.
type ResultKind string

const (
	ResultAnswer ResultKind = "answer"
	ResultCanvas ResultKind = "canvas"
)

// Result contains the output of a successful run.
type Result struct {
	JobID      string              `json:"jobId"`
	SessionID  string              `json:"sessionId"`
	Kind       ResultKind          `json:"kind"`
	Text       string              `json:"text"`
	Iterations int                 `json:"iterations"`
	Provider   string              `json:"provider,omitempty"`
	Usage      provider.TokenUsage `json:"usage"`
}
