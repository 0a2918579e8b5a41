package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionAppend(t *testing.T) {
	t.Run("should pair tool calls with results", func(t *testing.T) {
		s := New("s1")
		call := NewToolCall("execute_command", map[string]interface{}{"command": "ls"})

		require.NoError(t, s.Append(NewUserMessage("list files")))
		require.NoError(t, s.Append(call))

		pending, ok := s.PendingToolCall()
		require.True(t, ok)
		assert.Equal(t, call.CallID, pending.CallID)

		require.NoError(t, s.Append(NewToolResult(call, "a.txt")))
		_, ok = s.PendingToolCall()
		assert.False(t, ok)
	})

	t.Run("should reject a second tool call before the result", func(t *testing.T) {
		s := New("s1")
		require.NoError(t, s.Append(NewToolCall("a", nil)))

		err := s.Append(NewToolCall("b", nil))
		assert.ErrorIs(t, err, ErrUnmatchedToolCall)
	})

	t.Run("should reject a result for another call", func(t *testing.T) {
		s := New("s1")
		call := NewToolCall("a", nil)
		other := NewToolCall("a", nil)
		require.NoError(t, s.Append(call))

		err := s.Append(NewToolResult(other, "x"))
		assert.ErrorIs(t, err, ErrOrphanToolResult)
	})

	t.Run("should allow thoughts between a call and its result", func(t *testing.T) {
		s := New("s1")
		call := NewToolCall("a", nil)
		require.NoError(t, s.Append(call))
		require.NoError(t, s.Append(NewThinkingMarker()))
		assert.NoError(t, s.Append(NewToolResult(call, "ok")))
	})
}

func TestMessageValidate(t *testing.T) {
	t.Run("should give every constructed message an id and timestamp", func(t *testing.T) {
		msgs := []Message{
			NewUserMessage("hi"),
			NewThought("hmm"),
			NewToolCall("t", nil),
			NewAgentResponse("done"),
			NewCanvasOutput("<p>x</p>", "html"),
			NewError("bad"),
		}
		for _, m := range msgs {
			assert.NotEmpty(t, m.ID)
			assert.False(t, m.Timestamp.IsZero())
			assert.NoError(t, m.Validate(), string(m.Type))
		}
	})

	t.Run("should reject unknown types", func(t *testing.T) {
		m := NewUserMessage("x")
		m.Type = "system"
		assert.ErrorIs(t, m.Validate(), ErrInvalidMessage)
	})

	t.Run("should mark the thinking marker transient", func(t *testing.T) {
		m := NewThinkingMarker()
		assert.True(t, m.Transient)
		assert.Equal(t, TypeAgentThought, m.Type)
	})
}

func TestSetContext(t *testing.T) {
	s := New("s1")
	s.SetContext("project", "p1")
	assert.Equal(t, "p1", s.Context["project"])

	s.SetContext("project", "")
	_, ok := s.Context["project"]
	assert.False(t, ok)
}
