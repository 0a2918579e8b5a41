package toolexecutor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
)

// DefaultTimeout bounds a handler unless its definition says otherwise.
const DefaultTimeout = 60 * time.Second

// ToolCategory groups tools in the rendered catalog.
type ToolCategory string

const (
	CategoryShell   ToolCategory = "shell"
	CategoryFiles   ToolCategory = "files"
	CategoryState   ToolCategory = "state"
	CategoryGeneral ToolCategory = "general"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Items       string      `json:"items,omitempty"` // element type for arrays
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    ToolCategory    `json:"category,omitempty"`
	Parameters  []ToolParameter `json:"parameters"`
	// Timeout overrides DefaultTimeout. A negative value disables the
	// dispatcher deadline for tools that enforce their own.
	Timeout time.Duration `json:"-"`
	Handler ToolHandler   `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}, tc *ToolContext) (interface{}, error)

// ToolExecutor manages and dispatches tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	policy  *ToolPolicy
	mu      sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	observability.EnsureRegistered()
	return &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// SetPolicy installs the allow/deny policy applied by Dispatch.
func (te *ToolExecutor) SetPolicy(policy *ToolPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	te.policy = policy
	return nil
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	if def.Category == "" {
		def.Category = CategoryGeneral
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns the names of the tools the policy allows, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		if te.policy.IsToolAllowed(name) {
			tools = append(tools, name)
		}
	}
	sort.Strings(tools)
	return tools
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Dispatch validates params against the tool's schema and runs its handler.
// Rejections are *ValidationError and the handler is not called; handler
// failures are *ToolExecutionError.
func (te *ToolExecutor) Dispatch(ctx context.Context, toolName string, params map[string]interface{}, tc *ToolContext) (interface{}, error) {
	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	policy := te.policy
	te.mu.RUnlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", toolName).Logger()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return nil, &ValidationError{Tool: toolName, Err: ErrToolNotFound}
	}
	if !policy.IsToolAllowed(toolName) {
		logger.Warn().Msg("Tool execution blocked by policy")
		return nil, &ValidationError{Tool: toolName, Err: ErrToolNotAllowed}
	}

	params = coerceParameters(tool.Parameters, params)
	if details := validateParameters(schema, params); len(details) > 0 {
		logger.Warn().Strs("errors", details).Msg("Parameter validation failed")
		return nil, &ValidationError{Tool: toolName, Err: ErrInvalidParameters, Details: details}
	}

	timeout := tool.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	ctx, span := tracing.StartSpan(ctx, "autopilot/toolexecutor", "tool.dispatch",
		attribute.String("tool", toolName))
	defer span.End()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx = ContextWithToolContext(runCtx, tc)

	logger.Debug().Msg("Executing tool")
	start := time.Now()
	result, err := te.invoke(runCtx, tool, params, tc, timeout)
	duration := time.Since(start)
	observability.RecordToolExecution(toolName, duration, err == nil)

	if err != nil {
		span.RecordError(err)
		logger.Warn().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		return nil, &ToolExecutionError{Tool: toolName, Err: err}
	}

	logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
	return result, nil
}

type outcome struct {
	value interface{}
	err   error
}

func (te *ToolExecutor) invoke(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, tc *ToolContext, timeout time.Duration) (interface{}, error) {
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("tool", tool.Name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		value, err := tool.Handler(ctx, params, tc)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %v", ErrToolTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
		if param.Items != "" && !validParamTypes[param.Items] {
			return fmt.Errorf("invalid item type %q for %s", param.Items, param.Name)
		}
	}
	return nil
}

func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Type == "array" && param.Items != "" {
			paramSchema["items"] = map[string]interface{}{"type": param.Items}
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParameters returns one message per schema violation.
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) []string {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return details
}
