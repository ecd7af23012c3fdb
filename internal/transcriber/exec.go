package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sorenh/minuteman/internal/segment"
)

// Exec invokes a whisper.cpp executable and parses its JSON output file.
type Exec struct {
	path    string
	model   string
	threads int
}

// NewExec creates the local-executable backend. Paths are expanded to
// absolute form at call time so the working directory does not matter.
func NewExec(path, model string, threads int) *Exec {
	if threads <= 0 {
		threads = 4
	}
	return &Exec{path: path, model: model, threads: threads}
}

func (e *Exec) Name() string { return "whisper-exec" }

// whisper.cpp -oj output: offsets are milliseconds into the input audio.
type execOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (e *Exec) Transcribe(ctx context.Context, audioPath, language string) (Result, error) {
	absAudio, err := filepath.Abs(audioPath)
	if err != nil {
		return Result{}, backendErr(e.Name(), ctx, err)
	}
	outBase := strings.TrimSuffix(absAudio, filepath.Ext(absAudio)) + "_transcript"
	outJSON := outBase + ".json"
	defer func() { _ = os.Remove(outJSON) }()

	if language == "" {
		language = "auto"
	}

	cmd := exec.CommandContext(ctx, e.path,
		"-m", e.model,
		"-oj",
		"-of", outBase,
		"-l", language,
		"-t", strconv.Itoa(e.threads),
		"-f", absAudio,
	)

	if _, err := cmd.Output(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			slog.Debug("whisper exec failed", "stderr", strings.TrimSpace(string(exitErr.Stderr)), "code", exitErr.ExitCode())
		}
		return Result{}, backendErr(e.Name(), ctx, fmt.Errorf("run %s: %w", e.path, err))
	}

	data, err := os.ReadFile(outJSON)
	if err != nil {
		return Result{}, backendErr(e.Name(), ctx, fmt.Errorf("read transcript output: %w", err))
	}

	return parseExecOutput(data)
}

func parseExecOutput(data []byte) (Result, error) {
	var out execOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, &BackendError{Backend: "whisper-exec", Err: fmt.Errorf("parse transcript output: %w", err)}
	}

	var res Result
	var texts []string
	for _, seg := range out.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" || text == "[BLANK_AUDIO]" {
			continue
		}
		texts = append(texts, text)
		res.Tokens = append(res.Tokens, segment.Token{
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  text,
		})
	}
	res.Text = strings.Join(texts, "\n")
	return res, nil
}
