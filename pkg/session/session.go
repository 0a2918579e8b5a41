package session

import (
	"fmt"
	"time"
)

// Session is the conversation state of one job stream.
type Session struct {
	ID             string            `json:"id"`
	History        []Message         `json:"history"`
	Context        map[string]string `json:"context"`
	ActiveProvider string            `json:"activeProvider,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// New returns an empty session.
func New(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		History:   []Message{},
		Context:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append validates msg against the history and adds it.
func (s *Session) Append(msg Message) error {
	if err := CheckAppend(s.History, msg); err != nil {
		return err
	}
	s.History = append(s.History, msg)
	s.UpdatedAt = msg.Timestamp
	return nil
}

// PendingToolCall returns the last tool_call that has not been answered yet.
func (s *Session) PendingToolCall() (Message, bool) {
	return pendingCall(s.History)
}

// SetContext records a working-context hint.
func (s *Session) SetContext(key, value string) {
	if s.Context == nil {
		s.Context = map[string]string{}
	}
	if value == "" {
		delete(s.Context, key)
		return
	}
	s.Context[key] = value
}

// CheckAppend enforces the tool_call/tool_result pairing for msg appended
// after history.
func CheckAppend(history []Message, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	pending, ok := pendingCall(history)
	switch msg.Type {
	case TypeToolCall:
		if ok {
			return fmt.Errorf("%w: %s (%s)", ErrUnmatchedToolCall, pending.ToolName, pending.CallID)
		}
	case TypeToolResult:
		if !ok || pending.CallID != msg.CallID {
			return fmt.Errorf("%w: %s (%s)", ErrOrphanToolResult, msg.ToolName, msg.CallID)
		}
	}
	return nil
}

func pendingCall(history []Message) (Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Type {
		case TypeToolResult:
			return Message{}, false
		case TypeToolCall:
			return history[i], true
		}
	}
	return Message{}, false
}
