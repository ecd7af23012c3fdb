package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client  *genai.Client
	model   string
	timeout timeoutOption
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{
		client:  client,
		model:   model,
		timeout: timeoutOption(opts.timeout),
	}, nil
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := c.timeout.apply(ctx)
	defer cancel()

	var system *genai.Content
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case "user":
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("gemini: no user message provided")
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{SystemInstruction: system})
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty response text")
	}
	return text, nil
}
