package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sorenh/minuteman/internal/segment"
)

// Whisperd talks to a whisper.cpp server over HTTP. The server's
// /inference endpoint accepts a multipart upload and returns the
// verbose_json transcript shape.
type Whisperd struct {
	baseURL string
	client  *http.Client
}

// NewWhisperd creates the remote-service backend for the given base URL.
func NewWhisperd(baseURL string) *Whisperd {
	return &Whisperd{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (w *Whisperd) Name() string { return "whisperd" }

type whisperdResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Error string `json:"error"`
}

func (w *Whisperd) Transcribe(ctx context.Context, audioPath, language string) (Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return Result{}, backendErr(w.Name(), ctx, err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Result{}, backendErr(w.Name(), ctx, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, backendErr(w.Name(), ctx, err)
	}
	_ = mw.WriteField("response_format", "verbose_json")
	if language != "" && language != "auto" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return Result{}, backendErr(w.Name(), ctx, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/inference", &body)
	if err != nil {
		return Result{}, backendErr(w.Name(), ctx, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, backendErr(w.Name(), ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, backendErr(w.Name(), ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, backendErr(w.Name(), ctx, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var parsed whisperdResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Result{}, backendErr(w.Name(), ctx, fmt.Errorf("parse response: %w", err))
	}
	if parsed.Error != "" {
		return Result{}, backendErr(w.Name(), ctx, fmt.Errorf("server error: %s", parsed.Error))
	}

	res := Result{Text: strings.TrimSpace(parsed.Text)}
	for _, seg := range parsed.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		res.Tokens = append(res.Tokens, segment.Token{Start: seg.Start, End: seg.End, Text: text})
	}
	return res, nil
}
