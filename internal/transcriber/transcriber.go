// Package transcriber defines the transcription backend capability and its
// interchangeable realizations. The pipeline depends only on Backend and is
// agnostic to which realization is configured.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sorenh/minuteman/internal/segment"
)

// Result is a backend transcription: plain text plus timestamped tokens.
// Token timestamps are relative to the submitted audio artifact.
type Result struct {
	Text   string
	Tokens []segment.Token
}

// Backend turns an audio artifact into a Result or fails with a
// *BackendError.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, audioPath, language string) (Result, error)
}

// BackendError wraps a backend failure and records whether it was a
// timeout. Timeouts and service errors follow the same bounded retry path.
type BackendError struct {
	Backend string
	Timeout bool
	Err     error
}

func (e *BackendError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timeout: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Timeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func backendErr(name string, ctx context.Context, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &BackendError{Backend: name, Timeout: timeout, Err: err}
}

// Options carries the configuration shared by the backend constructors.
type Options struct {
	// exec backend
	ExecPath string
	Model    string
	Threads  int

	// remote backends
	BaseURL string
	APIKey  string
}

// New selects a backend realization by name: exec, whisperd, openai or
// deepgram.
func New(kind string, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "exec":
		return NewExec(opts.ExecPath, opts.Model, opts.Threads), nil
	case "whisperd":
		return NewWhisperd(opts.BaseURL), nil
	case "openai":
		return NewOpenAI(opts.APIKey, opts.Model), nil
	case "deepgram":
		return NewDeepgram(opts.APIKey, opts.Model), nil
	default:
		return nil, fmt.Errorf("unknown transcription backend %q: supported backends are exec, whisperd, openai, deepgram", kind)
	}
}
