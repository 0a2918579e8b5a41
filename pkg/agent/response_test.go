package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/autopilot/pkg/provider"
	"github.com/harun/autopilot/pkg/session"
)

func TestParseResponse(t *testing.T) {
	t.Run("should parse each variant", func(t *testing.T) {
		r, err := ParseResponse(`{"thought":"plan"}`)
		require.NoError(t, err)
		assert.Equal(t, KindThought, r.Kind)
		assert.Equal(t, "plan", r.Thought)

		r, err = ParseResponse(`{"command":{"name":"read_file","params":{"path":"a.txt"}}}`)
		require.NoError(t, err)
		assert.Equal(t, KindCommand, r.Kind)
		assert.Equal(t, "read_file", r.Command.Name)
		assert.Equal(t, "a.txt", r.Command.Params["path"])

		r, err = ParseResponse(`{"command":{"name":"list_files"}}`)
		require.NoError(t, err)
		assert.NotNil(t, r.Command.Params)

		r, err = ParseResponse(`{"canvas":{"content":"# Hi","contentType":"text/markdown"}}`)
		require.NoError(t, err)
		assert.Equal(t, KindCanvas, r.Kind)
		assert.Equal(t, "text/markdown", r.Canvas.ContentType)

		r, err = ParseResponse(`{"answer":""}`)
		require.NoError(t, err)
		assert.Equal(t, KindAnswer, r.Kind)
	})

	t.Run("should unwrap code fences", func(t *testing.T) {
		for _, raw := range []string{
			"```json\n{\"answer\":\"Hello\"}\n```",
			"```\n{\"answer\":\"Hello\"}\n```",
			"  ```JSON\r\n{\"answer\":\"Hello\"}\r\n```  ",
		} {
			r, err := ParseResponse(raw)
			require.NoError(t, err, raw)
			assert.Equal(t, "Hello", r.Answer)
		}
	})

	t.Run("should reject anything but exactly one variant", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"hello",
			`[]`,
			`{}`,
			`{"thought":"a","answer":"b"}`,
			`{"thought":""}`,
			`{"answer":null}`,
			`{"command":{"params":{}}}`,
			`{"command":{"name":"x","extra":1}}`,
			`{"canvas":{"content":"x"}}`,
			`{"reply":"x"}`,
		} {
			_, err := ParseResponse(raw)
			assert.ErrorIs(t, err, ErrProtocolViolation, raw)
		}
	})
}

func TestPromptBuilder(t *testing.T) {
	b := promptBuilder{instructions: "rules", maxTokens: 0, count: ApproxTokens}

	t.Run("should skip transient markers and render each type", func(t *testing.T) {
		call := session.NewToolCall("read_file", map[string]interface{}{"path": "a"})
		history := []session.Message{
			session.NewUserMessage("hi"),
			session.NewThinkingMarker(),
			session.NewThought("look at a"),
			call,
			session.NewToolResult(call, "contents"),
			session.NewCanvasOutput("<h1>Title</h1><p>Body</p>", "text/html"),
			session.NewError("bad reply"),
			session.NewAgentResponse("done"),
		}

		msgs := b.messages("system", history)
		require.Len(t, msgs, 7)
		assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "hi"}, msgs[0])
		assert.Equal(t, `{"thought":"look at a"}`, msgs[1].Content)
		assert.Equal(t, `{"command":{"name":"read_file","params":{"path":"a"}}}`, msgs[2].Content)
		assert.Equal(t, "Result of read_file:\ncontents", msgs[3].Content)
		assert.Contains(t, msgs[4].Content, "# Title")
		assert.NotContains(t, msgs[4].Content, "<h1>")
		assert.Equal(t, "Error: bad reply", msgs[5].Content)
		assert.Equal(t, provider.RoleAssistant, msgs[6].Role)
	})

	t.Run("should drop the oldest messages over budget", func(t *testing.T) {
		small := promptBuilder{instructions: "rules", maxTokens: 30, count: ApproxTokens}
		var history []session.Message
		for i := 0; i < 10; i++ {
			history = append(history, session.NewUserMessage("a message of about forty characters...."))
		}

		msgs := small.messages("sys", history)
		require.NotEmpty(t, msgs)
		assert.Contains(t, msgs[0].Content, "earlier messages omitted")
		assert.Less(t, len(msgs), 11)
		assert.Equal(t, history[9].Content, msgs[len(msgs)-1].Content)
	})

	t.Run("should list working context in the system prompt", func(t *testing.T) {
		prompt := b.systemPrompt("catalog", map[string]string{"b": "2", "a": "1"})
		assert.Contains(t, prompt, "rules")
		assert.Contains(t, prompt, "catalog")
		assert.Contains(t, prompt, "- a: 1\n- b: 2\n")
	})
}
