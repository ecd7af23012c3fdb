// Package llm provides the summarization backend capability: a chat-style
// completion client with interchangeable providers.
package llm

import (
	"context"
	"fmt"
	"time"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL points the provider at a custom endpoint.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithTimeout bounds each completion call. Exceeding it is a backend
// failure, not a hang.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// NewClient selects a provider implementation: openai, anthropic, gemini
// or ollama.
func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	case "ollama":
		return newOllamaClient(model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini, ollama", provider)
	}
}
