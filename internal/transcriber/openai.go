package transcriber

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sorenh/minuteman/internal/segment"
)

// OpenAI transcribes through the OpenAI audio transcription API, or any
// OpenAI-compatible endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates the API backend. An empty model falls back to whisper-1.
func NewOpenAI(apiKey, model string) *OpenAI {
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	return &OpenAI{client: openai.NewClient(apiKey), model: model}
}

// NewOpenAIWithConfig creates the API backend against a custom endpoint.
func NewOpenAIWithConfig(config openai.ClientConfig, model string) *OpenAI {
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), model: model}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Transcribe(ctx context.Context, audioPath, language string) (Result, error) {
	req := openai.AudioRequest{
		Model:    o.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if language != "" && language != "auto" {
		req.Language = language
	}

	resp, err := o.client.CreateTranscription(ctx, req)
	if err != nil {
		return Result{}, backendErr(o.Name(), ctx, err)
	}

	res := Result{Text: strings.TrimSpace(resp.Text)}
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		res.Tokens = append(res.Tokens, segment.Token{Start: seg.Start, End: seg.End, Text: text})
	}
	return res, nil
}
