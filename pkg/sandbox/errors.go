package sandbox

import "errors"

var (
	// ErrEmptyCommand is returned for a blank command
	ErrEmptyCommand = errors.New("command is empty")

	// ErrCommandTooLong is returned before spawning when the command exceeds the length limit
	ErrCommandTooLong = errors.New("command exceeds maximum length")

	// ErrDangerousCommand is returned before spawning when the command matches the denylist
	ErrDangerousCommand = errors.New("command rejected by security policy")

	// ErrSpawnFailed is returned when the process could not be started
	ErrSpawnFailed = errors.New("failed to start command")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("command timed out")

	// ErrOutputLimitExceeded is returned when stdout or stderr outgrew its cap
	ErrOutputLimitExceeded = errors.New("command output exceeded limit")

	// ErrCancelled is returned when the caller cancelled a running command
	ErrCancelled = errors.New("command cancelled")

	// ErrAlreadyStarted is returned by a second Start on the same process
	ErrAlreadyStarted = errors.New("process already started")

	// ErrPathOutsideWorkspace is returned when a path escapes the workspace root
	ErrPathOutsideWorkspace = errors.New("path is outside the workspace")
)
