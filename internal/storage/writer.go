package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sorenh/minuteman/internal/segment"
)

// Writer emits the human-readable artifact files for one session: a
// transcript per segment, a markdown file per sealed batch, the rolling
// summary, and the final transcript and summary on drain.
type Writer struct {
	dir string
}

func NewWriter(dir string) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

func (w *Writer) Dir() string { return w.dir }

func (w *Writer) WriteTranscript(res segment.TranscriptionResult) error {
	name := fmt.Sprintf("segment_%03d_transcript.txt", res.Sequence)
	if err := w.writeFile(name, res.Text+"\n"); err != nil {
		return fmt.Errorf("write segment %d transcript: %w", res.Sequence, err)
	}
	return nil
}

func (w *Writer) SaveBatch(b segment.SummaryBatch) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Batch %d\n\n", b.ID)
	fmt.Fprintf(&sb, "Segments: %s\n\n", joinInts(b.Members))
	if b.Failed {
		sb.WriteString("Summarization failed for this batch. Raw transcript below.\n\n")
		sb.WriteString(b.Transcript)
	} else {
		sb.WriteString(b.Summary)
	}
	sb.WriteString("\n")

	name := fmt.Sprintf("batch_%03d_summary.md", b.ID)
	if err := w.writeFile(name, sb.String()); err != nil {
		return fmt.Errorf("write batch %d summary: %w", b.ID, err)
	}
	return nil
}

func (w *Writer) SaveRolling(r segment.RollingSummary) error {
	var sb strings.Builder
	sb.WriteString("# Rolling Summary\n\n")
	fmt.Fprintf(&sb, "Updated: %s\n\n", r.UpdatedAt.UTC().Format(time.RFC3339))
	sb.WriteString(r.Text)
	sb.WriteString("\n")

	if err := w.writeFile("rolling_summary.md", sb.String()); err != nil {
		return fmt.Errorf("write rolling summary: %w", err)
	}
	return nil
}

func (w *Writer) WriteFinal(o segment.Outcome) error {
	var tr strings.Builder
	tr.WriteString("# Transcript\n\n")
	if o.Partial {
		tr.WriteString("This session ended partially; some segments may be missing.\n\n")
	}
	if len(o.FailedSequences) > 0 {
		fmt.Fprintf(&tr, "Failed segments: %s\n\n", joinInts(o.FailedSequences))
	}
	tr.WriteString(o.FinalTranscript)
	tr.WriteString("\n")
	if err := w.writeFile("transcript.md", tr.String()); err != nil {
		return fmt.Errorf("write final transcript: %w", err)
	}

	var sm strings.Builder
	sm.WriteString("# Summary\n\n")
	sm.WriteString(o.FinalSummary)
	sm.WriteString("\n")
	if err := w.writeFile("summary.md", sm.String()); err != nil {
		return fmt.Errorf("write final summary: %w", err)
	}
	return nil
}

// FinalPaths returns the final artifact locations, for upload after
// drain.
func (w *Writer) FinalPaths() (transcript, summary string) {
	return filepath.Join(w.dir, "transcript.md"), filepath.Join(w.dir, "summary.md")
}

// writeFile writes atomically via a temp file and rename so readers
// never observe a partial artifact.
func (w *Writer) writeFile(name, content string) error {
	path := filepath.Join(w.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%d", v))
	}
	return strings.Join(parts, ", ")
}
