// Package watch feeds the pipeline from a directory of segment files.
// The recorder drops each segment's audio next to a sidecar JSON file;
// the sidecar appearing is the submission signal.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/sorenh/minuteman/internal/pipeline"
	"github.com/sorenh/minuteman/internal/segment"
)

// Watcher monitors a segment directory and submits each new segment to
// the pipeline as its sidecar file appears.
type Watcher struct {
	dir      string
	pipeline *pipeline.Pipeline
	watcher  *fsnotify.Watcher
}

func New(dir string, p *pipeline.Pipeline) (*Watcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("watch directory is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{dir: dir, pipeline: p, watcher: w}, nil
}

// Run watches until the context is canceled. Sidecars already present
// when Run starts are submitted first, in sequence order.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", w.dir, err)
	}

	slog.Info("watching segment directory", "path", w.dir)

	if err := w.scanExisting(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("file watcher error", "error", err)
		}
	}
}

// scanExisting submits sidecars that landed before the watch started.
func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan watch directory: %w", err)
	}

	type pending struct {
		seq  int
		path string
	}
	var found []pending

	for _, entry := range entries {
		if entry.IsDir() || !isSidecar(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		sc, err := segment.LoadSidecar(path)
		if err != nil {
			slog.Warn("skipping unreadable sidecar", "path", path, "error", err)
			continue
		}
		found = append(found, pending{seq: sc.Sequence, path: path})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	for _, p := range found {
		w.submit(p.path)
	}
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	if strings.HasSuffix(event.Name, ".tmp") || !isSidecar(event.Name) {
		return
	}
	w.submit(event.Name)
}

func (w *Watcher) submit(sidecarPath string) {
	sc, err := segment.LoadSidecar(sidecarPath)
	if err != nil {
		slog.Warn("ignoring malformed sidecar", "path", sidecarPath, "error", err)
		return
	}

	seg := segment.FromSidecar(segment.AudioPath(sidecarPath), sc)
	if err := w.pipeline.Submit(seg); err != nil {
		if errors.Is(err, pipeline.ErrStopped) {
			slog.Info("pipeline stopped, ignoring segment", "sequence", seg.Sequence)
			return
		}
		slog.Warn("segment submission rejected", "sequence", seg.Sequence, "error", err)
		return
	}

	slog.Info("segment submitted", "sequence", seg.Sequence, "path", seg.Path)
}

func isSidecar(name string) bool {
	return strings.HasSuffix(name, ".json")
}
