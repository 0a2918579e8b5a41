package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ResponseKind is the variant of a parsed completion.
type ResponseKind string

const (
	KindThought ResponseKind = "thought"
	KindCommand ResponseKind = "command"
	KindCanvas  ResponseKind = "canvas"
	KindAnswer  ResponseKind = "answer"
)

// Command asks for a tool call.
type Command struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Canvas is content to display instead of a textual answer.
type Canvas struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

// Response is a validated completion. Exactly one payload field matching
// Kind is set.
type Response struct {
	Kind    ResponseKind
	Thought string
	Command *Command
	Canvas  *Canvas
	Answer  string
}

type wireResponse struct {
	Thought *string  `json:"thought"`
	Command *Command `json:"command"`
	Canvas  *Canvas  `json:"canvas"`
	Answer  *string  `json:"answer"`
}

func variant(required string, property map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{required},
		"properties":           map[string]interface{}{required: property},
		"additionalProperties": false,
	}
}

// ResponseSchema is the JSON Schema every completion must satisfy. It is
// also sent to providers that support structured output.
func ResponseSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"oneOf": []interface{}{
			variant("thought", map[string]interface{}{"type": "string", "minLength": 1}),
			variant("command", map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"name"},
				"properties": map[string]interface{}{
					"name":   map[string]interface{}{"type": "string", "minLength": 1},
					"params": map[string]interface{}{"type": "object"},
				},
				"additionalProperties": false,
			}),
			variant("canvas", map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"content", "contentType"},
				"properties": map[string]interface{}{
					"content":     map[string]interface{}{"type": "string"},
					"contentType": map[string]interface{}{"type": "string", "minLength": 1},
				},
				"additionalProperties": false,
			}),
			variant("answer", map[string]interface{}{"type": "string"}),
		},
	}
}

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(ResponseSchema()))
})

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*[ \t]*\r?\n(.*?)\r?\n?```$")

// unwrapFence strips a surrounding markdown code fence, if any.
func unwrapFence(text string) string {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// ParseResponse validates a raw completion against the response schema.
// Every failure wraps ErrProtocolViolation.
func ParseResponse(raw string) (*Response, error) {
	text := unwrapFence(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrProtocolViolation)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile response schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrProtocolViolation, err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: expected exactly one of thought, command, canvas or answer", ErrProtocolViolation)
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch {
	case wire.Thought != nil:
		return &Response{Kind: KindThought, Thought: *wire.Thought}, nil
	case wire.Command != nil:
		if wire.Command.Params == nil {
			wire.Command.Params = map[string]interface{}{}
		}
		return &Response{Kind: KindCommand, Command: wire.Command}, nil
	case wire.Canvas != nil:
		return &Response{Kind: KindCanvas, Canvas: wire.Canvas}, nil
	case wire.Answer != nil:
		return &Response{Kind: KindAnswer, Answer: *wire.Answer}, nil
	}
	return nil, fmt.Errorf("%w: no payload", ErrProtocolViolation)
}
