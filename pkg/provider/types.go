package provider

import "context"

// Role of a conversation message sent to a provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the rendered conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. Schema, when set, is the JSON Schema
// the reply must satisfy; adapters that support a JSON mode enable it.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Schema       map[string]interface{}
	Temperature  float64
	MaxTokens    int
	// MaxAttempts bounds the candidates tried for this request; zero uses
	// the selector default.
	MaxAttempts int
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Response is what an adapter returns.
type Response struct {
	Content string
	Usage   TokenUsage
}

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Complete makes one blocking completion call
	Complete(ctx context.Context, request Request) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

// CompletionResult is the successful outcome of GetCompletion.
type CompletionResult struct {
	Text     string     `json:"text"`
	Provider string     `json:"provider"`
	KeyID    string     `json:"keyId"`
	Model    string     `json:"model"`
	Attempts int        `json:"attempts"`
	Usage    TokenUsage `json:"usage"`
}

// Completer is what the conversation driver depends on.
type Completer interface {
	GetCompletion(ctx context.Context, request Request) (*CompletionResult, error)
}

// mergeTurns joins consecutive messages of the same role and makes sure
// the conversation opens with a user turn.
func mergeTurns(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) > 0 && out[0].Role != RoleUser {
		out = append([]Message{{Role: RoleUser, Content: "Continue."}}, out...)
	}
	return out
}
