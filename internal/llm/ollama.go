package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

type ollamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	timeout timeoutOption
}

func newOllamaClient(model string, opts *clientOptions) (*ollamaClient, error) {
	baseURL := opts.baseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &ollamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
		timeout: timeoutOption(opts.timeout),
	}, nil
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

func (c *ollamaClient) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := c.timeout.apply(ctx)
	defer cancel()

	req := ollamaRequest{Model: c.model, Stream: false}
	var prompt strings.Builder
	for _, m := range messages {
		if m.Role == "system" && req.System == "" {
			req.System = m.Content
			continue
		}
		if prompt.Len() > 0 {
			prompt.WriteString("\n\n")
		}
		prompt.WriteString(m.Content)
	}
	req.Prompt = prompt.String()

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama: %s", parsed.Error)
	}

	return strings.TrimSpace(parsed.Response), nil
}

// timeoutOption wraps the optional per-call deadline shared by providers.
type timeoutOption time.Duration

func (t timeoutOption) apply(ctx context.Context) (context.Context, context.CancelFunc) {
	if t <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(t))
}
