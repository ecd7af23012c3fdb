package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 8192

type anthropicClient struct {
	client  anthropic.Client
	model   string
	timeout timeoutOption
}

func newAnthropicClient(apiKey, model string, opts *clientOptions) (*anthropicClient, error) {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.baseURL))
	}
	return &anthropicClient{
		client:  anthropic.NewClient(clientOpts...),
		model:   model,
		timeout: timeoutOption(opts.timeout),
	}, nil
}

func (c *anthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := c.timeout.apply(ctx)
	defer cancel()

	// Anthropic takes the system prompt out of band, not as a message.
	var system []anthropic.TextBlockParam
	var chat []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			chat = append(chat, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			chat = append(chat, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		System:    system,
		Messages:  chat,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: empty response content")
	}
	return text, nil
}
