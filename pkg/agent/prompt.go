package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/harun/autopilot/pkg/provider"
	"github.com/harun/autopilot/pkg/session"
)

// DefaultInstructions describes the response protocol to the model.
const DefaultInstructions = `You are an autonomous agent working inside a sandboxed workspace.
Reply with exactly one JSON object and nothing else. It must have exactly one of these keys:
- "thought": a string with your reasoning for the next step.
- "command": {"name": "<tool>", "params": {...}} to call one tool.
- "canvas": {"content": "...", "contentType": "text/html" | "text/markdown"} to display rich content and finish.
- "answer": a string with your final answer to the user.
Call one tool at a time and wait for its result before the next step.`

// TokenCounter estimates the token count of a text.
type TokenCounter func(text string) int

// ApproxTokens assumes four characters per token.
func ApproxTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewTokenCounter counts with the tiktoken encoding for model, falling back
// to cl100k_base and then to ApproxTokens when no encoding can be loaded.
func NewTokenCounter(model string) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return ApproxTokens
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

// promptBuilder assembles the system prompt and the rendered history for a
// completion request.
type promptBuilder struct {
	instructions string
	maxTokens    int
	count        TokenCounter
}

func (b promptBuilder) systemPrompt(catalog string, workingContext map[string]string) string {
	var sb strings.Builder
	sb.WriteString(b.instructions)
	sb.WriteString("\n\n# Tools\n\n")
	sb.WriteString(catalog)

	if len(workingContext) > 0 {
		keys := make([]string, 0, len(workingContext))
		for k := range workingContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n\n# Working context\n\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, workingContext[k])
		}
	}
	return sb.String()
}

// messages renders history for the model, oldest first. Transient entries
// are skipped. When the estimate exceeds the token budget the oldest
// messages are dropped and replaced by a single notice.
func (b promptBuilder) messages(system string, history []session.Message) []provider.Message {
	rendered := make([]provider.Message, 0, len(history))
	for _, msg := range history {
		if msg.Transient {
			continue
		}
		if m, ok := renderMessage(msg); ok {
			rendered = append(rendered, m)
		}
	}
	if b.maxTokens <= 0 {
		return rendered
	}

	total := b.count(system)
	sizes := make([]int, len(rendered))
	for i, m := range rendered {
		sizes[i] = b.count(m.Content)
		total += sizes[i]
	}
	if total <= b.maxTokens {
		return rendered
	}

	drop := 0
	for drop < len(rendered)-1 && total > b.maxTokens {
		total -= sizes[drop]
		drop++
	}
	notice := provider.Message{
		Role:    provider.RoleUser,
		Content: fmt.Sprintf("[%d earlier messages omitted to fit the context window]", drop),
	}
	return append([]provider.Message{notice}, rendered[drop:]...)
}

func renderMessage(msg session.Message) (provider.Message, bool) {
	switch msg.Type {
	case session.TypeUser:
		return provider.Message{Role: provider.RoleUser, Content: msg.Content}, true
	case session.TypeAgentThought:
		return assistantJSON(map[string]interface{}{"thought": msg.Content}), true
	case session.TypeToolCall:
		return assistantJSON(map[string]interface{}{
			"command": map[string]interface{}{"name": msg.ToolName, "params": msg.Params},
		}), true
	case session.TypeToolResult:
		return provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("Result of %s:\n%s", msg.ToolName, msg.Content),
		}, true
	case session.TypeAgentResponse:
		return assistantJSON(map[string]interface{}{"answer": msg.Content}), true
	case session.TypeCanvasOutput:
		return provider.Message{
			Role:    provider.RoleAssistant,
			Content: fmt.Sprintf("[Displayed on canvas (%s)]\n%s", msg.ContentType, canvasText(msg)),
		}, true
	case session.TypeError:
		return provider.Message{Role: provider.RoleUser, Content: "Error: " + msg.Content}, true
	}
	return provider.Message{}, false
}

// canvasText returns HTML canvas content as markdown.
func canvasText(msg session.Message) string {
	if !strings.Contains(strings.ToLower(msg.ContentType), "html") {
		return msg.Content
	}
	md, err := htmltomarkdown.ConvertString(msg.Content)
	if err != nil {
		return msg.Content
	}
	return strings.TrimSpace(md)
}

func assistantJSON(v map[string]interface{}) provider.Message {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	return provider.Message{Role: provider.RoleAssistant, Content: string(data)}
}
