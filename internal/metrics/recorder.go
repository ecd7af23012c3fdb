// Package metrics records per-stage timing and backlog observations as
// line-delimited JSON.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one stage observation for one segment.
type Event struct {
	Sequence   int       `json:"segment_sequence"`
	Stage      string    `json:"stage"`
	QueueWait  float64   `json:"queue_wait_ms"`
	Processing float64   `json:"processing_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder accepts stage events. Recording is best-effort and must never
// slow the pipeline down.
type Recorder interface {
	Record(ev Event)
}

// FileRecorder appends events to a JSONL file.
type FileRecorder struct {
	path string
	mu   sync.Mutex
}

// NewFileRecorder creates a JSONL recorder at path.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics directory: %w", err)
	}
	return &FileRecorder{path: path}, nil
}

func (r *FileRecorder) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	_, _ = f.Write(append(line, '\n'))
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(Event) {}
