package transcriber

import (
	"context"
	"fmt"
	"strings"

	listenv1rest "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sorenh/minuteman/internal/segment"
)

// Deepgram transcribes closed segment files through the Deepgram
// prerecorded REST API.
type Deepgram struct {
	client *listenv1rest.Client
	model  string
}

// NewDeepgram creates the Deepgram backend. An empty model falls back to
// nova-2.
func NewDeepgram(apiKey, model string) *Deepgram {
	if strings.TrimSpace(model) == "" {
		model = "nova-2"
	}
	rest := listen.NewREST(apiKey, &interfaces.ClientOptions{})
	return &Deepgram{client: listenv1rest.New(rest), model: model}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Transcribe(ctx context.Context, audioPath, language string) (Result, error) {
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.model,
		SmartFormat: true,
		Punctuate:   true,
	}
	if language != "" && language != "auto" {
		options.Language = language
	}

	resp, err := d.client.FromFile(ctx, audioPath, options)
	if err != nil {
		return Result{}, backendErr(d.Name(), ctx, err)
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return Result{}, backendErr(d.Name(), ctx, fmt.Errorf("empty response for %s", audioPath))
	}

	alt := resp.Results.Channels[0].Alternatives[0]
	res := Result{Text: strings.TrimSpace(alt.Transcript)}
	for _, word := range alt.Words {
		text := word.PunctuatedWord
		if text == "" {
			text = word.Word
		}
		if text == "" {
			continue
		}
		res.Tokens = append(res.Tokens, segment.Token{Start: word.Start, End: word.End, Text: text})
	}
	return res, nil
}
