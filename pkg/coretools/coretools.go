// Package coretools registers the built-in tools: shell commands, workspace
// files, project state and working context.
package coretools

import (
	"errors"
	"fmt"

	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

var (
	// ErrNoSession is returned by tools that need session data when the
	// caller supplied none.
	ErrNoSession = errors.New("no session is attached to this tool call")

	// ErrNoStateStore is returned by project tools when no state store is
	// configured.
	ErrNoStateStore = errors.New("project state is not available")
)

// Options configures core tool registration.
type Options struct {
	// Executor runs execute_command and confines file tools to its
	// workspace root.
	Executor *sandbox.Executor
}

// RegisterCoreTools registers every built-in tool.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.Executor == nil {
		return errors.New("command executor is required")
	}

	tools := []toolexecutor.ToolDefinition{
		executeCommandTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		listFilesTool(opts),
	}
	tools = append(tools, stateTools()...)
	tools = append(tools, setContextTool())

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}
