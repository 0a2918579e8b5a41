package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
)

// GollmProvider adapts any vendor gollm supports (gemini, ollama,
// mistral, groq, ...) to LLMProvider.
type GollmProvider struct {
	name string
	mu   sync.Mutex
	llm  gollm.LLM
}

// NewGollmProvider builds a gollm client for vendor. An empty apiKey lets
// gollm read the vendor's environment variable; ollama needs none.
func NewGollmProvider(vendor, apiKey, model string, maxTokens int, temperature float64) (*GollmProvider, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(vendor),
		gollm.SetModel(model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm client for %s: %w", vendor, err)
	}
	return &GollmProvider{name: vendor, llm: llm}, nil
}

// Provider returns the provider name
func (p *GollmProvider) Provider() string {
	return p.name
}

// Complete flattens the conversation into one prompt; gollm has no
// multi-turn message API.
func (p *GollmProvider) Complete(ctx context.Context, request Request) (*Response, error) {
	var parts []string
	for _, msg := range mergeTurns(request.Messages) {
		if msg.Role == RoleAssistant {
			parts = append(parts, "[Assistant]: "+msg.Content)
		} else {
			parts = append(parts, msg.Content)
		}
	}
	text := strings.Join(parts, "\n\n")
	if text == "" {
		text = "Continue."
	}

	var promptOpts []gollm.PromptOption
	if request.SystemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(request.SystemPrompt, gollm.CacheTypeEphemeral))
	}
	if request.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(request.MaxTokens))
	}
	prompt := gollm.NewPrompt(text, promptOpts...)

	// SetOption mutates the shared client, so calls are serialized.
	p.mu.Lock()
	defer p.mu.Unlock()
	if request.Model != "" {
		p.llm.SetOption("model", request.Model)
	}
	if request.Temperature > 0 {
		p.llm.SetOption("temperature", request.Temperature)
	}

	out, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Content: out,
		Usage: TokenUsage{
			InputTokens:  (len(request.SystemPrompt) + len(text)) / 4,
			OutputTokens: len(out) / 4,
		},
	}, nil
}
