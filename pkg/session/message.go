package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the variant a Message holds.
type MessageType string

const (
	TypeUser          MessageType = "user"
	TypeAgentThought  MessageType = "agent_thought"
	TypeToolCall      MessageType = "tool_call"
	TypeToolResult    MessageType = "tool_result"
	TypeAgentResponse MessageType = "agent_response"
	TypeCanvasOutput  MessageType = "agent_canvas_output"
	TypeError         MessageType = "error"
)

var (
	ErrInvalidMessage    = errors.New("invalid message")
	ErrUnmatchedToolCall = errors.New("previous tool_call has no tool_result")
	ErrOrphanToolResult  = errors.New("tool_result without a pending tool_call")
)

// Message is one history entry. Which fields are set depends on Type:
// tool_call uses ToolName, CallID and Params; tool_result uses ToolName,
// CallID and Content; agent_canvas_output uses Content and ContentType.
type Message struct {
	ID          string                 `json:"id"`
	Type        MessageType            `json:"type"`
	Content     string                 `json:"content,omitempty"`
	ToolName    string                 `json:"toolName,omitempty"`
	CallID      string                 `json:"callId,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	ContentType string                 `json:"contentType,omitempty"`
	// Transient marks progress entries (the per-iteration thinking marker)
	// that are kept for display but never sent back to the model.
	Transient bool      `json:"transient,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ThinkingContent is the content of the per-iteration progress marker.
const ThinkingContent = "Thinking..."

func newMessage(t MessageType, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func NewUserMessage(content string) Message {
	return newMessage(TypeUser, content)
}

func NewThought(content string) Message {
	return newMessage(TypeAgentThought, content)
}

// NewThinkingMarker returns the transient marker recorded before each
// completion request.
func NewThinkingMarker() Message {
	m := newMessage(TypeAgentThought, ThinkingContent)
	m.Transient = true
	return m
}

func NewToolCall(toolName string, params map[string]interface{}) Message {
	m := newMessage(TypeToolCall, "")
	m.ToolName = toolName
	m.CallID = uuid.NewString()
	if params == nil {
		params = map[string]interface{}{}
	}
	m.Params = params
	return m
}

// NewToolResult answers call with result.
func NewToolResult(call Message, result string) Message {
	m := newMessage(TypeToolResult, result)
	m.ToolName = call.ToolName
	m.CallID = call.CallID
	return m
}

func NewAgentResponse(content string) Message {
	return newMessage(TypeAgentResponse, content)
}

func NewCanvasOutput(content, contentType string) Message {
	m := newMessage(TypeCanvasOutput, content)
	m.ContentType = contentType
	return m
}

func NewError(content string) Message {
	return newMessage(TypeError, content)
}

// Validate checks the fields required by the message's variant.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	switch m.Type {
	case TypeUser, TypeAgentThought, TypeAgentResponse, TypeError:
		if m.Content == "" {
			return fmt.Errorf("%w: %s requires content", ErrInvalidMessage, m.Type)
		}
	case TypeToolCall:
		if m.ToolName == "" || m.CallID == "" {
			return fmt.Errorf("%w: tool_call requires toolName and callId", ErrInvalidMessage)
		}
	case TypeToolResult:
		if m.ToolName == "" || m.CallID == "" {
			return fmt.Errorf("%w: tool_result requires toolName and callId", ErrInvalidMessage)
		}
	case TypeCanvasOutput:
		if m.ContentType == "" {
			return fmt.Errorf("%w: agent_canvas_output requires contentType", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
