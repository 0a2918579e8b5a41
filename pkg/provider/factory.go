package provider

import "fmt"

// Factory builds a client for one key.
type Factory func(candidate Candidate) (LLMProvider, error)

// AdapterConfig holds settings shared by every adapter.
type AdapterConfig struct {
	Models      map[string]string
	MaxTokens   int
	Temperature float64
}

// NewFactory returns the default factory: native SDKs for anthropic and
// openai, gollm for every other vendor.
func NewFactory(cfg AdapterConfig) Factory {
	return func(c Candidate) (LLMProvider, error) {
		switch c.Provider {
		case "anthropic":
			return NewAnthropicProvider(c.Key.Credential), nil
		case "openai":
			return NewOpenAIProvider(c.Key.Credential), nil
		case "gemini", "ollama", "mistral", "groq":
			return NewGollmProvider(c.Provider, c.Key.Credential, cfg.Models[c.Provider], cfg.MaxTokens, cfg.Temperature)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, c.Provider)
		}
	}
}
