package coretools

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/autopilot/pkg/toolexecutor"
)

func executeCommandTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "execute_command",
		Description: "Run a shell command in the workspace. Output streams to the user as it arrives. " +
			"Set detached to start long-running commands (servers, watchers) without waiting for them.",
		Category: toolexecutor.CategoryShell,
		// The executor enforces its own timeout and kills the process.
		Timeout: -1,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command line", Required: true},
			{Name: "detached", Type: "boolean", Description: "Queue the command and return immediately (default false)", Default: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			command, err := toolexecutor.RequiredString(params, "command")
			if err != nil {
				return nil, err
			}
			command = strings.TrimSpace(command)

			if toolexecutor.BoolParam(params, "detached", false) {
				if tc == nil || tc.Enqueue == nil {
					return nil, errors.New("detached execution is not available")
				}
				return tc.Enqueue(ctx, command)
			}

			res, err := opts.Executor.Run(ctx, command, tc.Events())
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"exitCode":   res.ExitCode,
				"stdout":     res.Stdout,
				"stderr":     res.Stderr,
				"durationMs": res.Duration.Milliseconds(),
			}, nil
		},
	}
}
