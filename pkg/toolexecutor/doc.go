// Package toolexecutor registers and dispatches the tools an agent may call.
//
// Invariants:
// - Tool names are unique.
// - Parameters are coerced, then schema-validated, before a handler runs.
//   A tool whose parameters fail validation is never executed.
// - Handler failures, including panics, surface as *ToolExecutionError.
//   Dispatch never retries.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	out, err := exec.Dispatch(ctx, "echo", map[string]interface{}{"text": "hi"}, nil)
package toolexecutor
