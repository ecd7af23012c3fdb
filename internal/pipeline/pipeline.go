// Package pipeline coordinates the segment processing stages: readiness
// detection, boundary-aware transcription, and decoupled batching
// summarization, with graceful drain and exactly-once finalization.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sorenh/minuteman/internal/metrics"
	"github.com/sorenh/minuteman/internal/segment"
	"github.com/sorenh/minuteman/internal/transcriber"
	"github.com/sorenh/minuteman/internal/window"
)

// ErrStopped is returned by Submit after RequestStop.
var ErrStopped = errors.New("pipeline stopped")

// ReadinessDetector blocks until a segment file is safe to read.
type ReadinessDetector interface {
	WaitReady(ctx context.Context, path string, expected time.Duration) error
}

// WindowBuilder constructs boundary-padded artifacts.
type WindowBuilder interface {
	Build(prevPath, curPath string, preRoll, pad time.Duration) (*window.Artifact, error)
}

// Summarizer is the summarization stage consumed by the controller.
type Summarizer interface {
	Add(res segment.TranscriptionResult)
	ShouldFlush() bool
	Flush(ctx context.Context) (*segment.SummaryBatch, error)
	Finalize(ctx context.Context) (text string, degraded bool)
	Pending() int
}

// Store persists segment state transitions and accepted transcripts.
type Store interface {
	AddSegment(seg segment.Segment) error
	UpdateSegmentStatus(sequence int, status segment.Status, reason string) error
	SaveTranscript(res segment.TranscriptionResult) error
	SaveOutcome(o segment.Outcome) error
}

// ArtifactWriter emits the human-readable per-segment and final artifacts.
type ArtifactWriter interface {
	WriteTranscript(res segment.TranscriptionResult) error
	WriteFinal(o segment.Outcome) error
}

// Events receives pipeline progress notifications. All methods must be
// non-blocking.
type Events interface {
	SegmentReady(sequence int)
	SegmentFailed(sequence int, reason string)
	TranscriptReady(res segment.TranscriptionResult)
	BatchSealed(b segment.SummaryBatch)
	SessionComplete(o segment.Outcome)
}

// Config controls worker behavior. Zero values fall back to defaults.
type Config struct {
	SessionID string
	Language  string

	PreRoll time.Duration
	Pad     time.Duration
	// RetryPad is the larger pad used for the single truncation retry.
	RetryPad time.Duration
	// TruncationSlack is how far short of the expected end the last token
	// may fall before the result counts as truncated.
	TruncationSlack time.Duration

	BackendTimeout time.Duration
	MaxAttempts    int
	Backoff        []time.Duration

	PopTimeout        time.Duration
	TranscribeWorkers int
	SummarizeWorkers  int
}

func (c Config) withDefaults() Config {
	if c.RetryPad <= 0 {
		c.RetryPad = 2*c.Pad + 300*time.Millisecond
	}
	if c.TruncationSlack <= 0 {
		c.TruncationSlack = 3 * time.Second
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 500 * time.Millisecond
	}
	if c.TranscribeWorkers <= 0 {
		c.TranscribeWorkers = 1
	}
	if c.SummarizeWorkers <= 0 {
		c.SummarizeWorkers = 1
	}
	return c
}

// Pipeline owns the two stage queues and the stop/drain protocol.
// Transcription progress is never gated on summarization progress: the
// queues and worker pools are fully independent.
type Pipeline struct {
	cfg        Config
	detector   ReadinessDetector
	builder    WindowBuilder
	backend    transcriber.Backend
	summarizer Summarizer
	store      Store
	writer     ArtifactWriter
	metrics    metrics.Recorder
	events     Events

	segQ *fifo[segment.Segment]
	sumQ *fifo[segment.TranscriptionResult]

	stopOnce  sync.Once
	stopCh    chan struct{}
	transDone chan struct{}
	drainedCh chan struct{}

	sleep func(time.Duration)

	mu      sync.Mutex
	paths   map[int]string
	results map[int]segment.TranscriptionResult
	failed  map[int]string
	outcome *segment.Outcome
}

// New wires a pipeline. store, writer, metrics and events may be nil.
func New(cfg Config, detector ReadinessDetector, builder WindowBuilder, backend transcriber.Backend, summarizer Summarizer, store Store, writer ArtifactWriter, recorder metrics.Recorder, events Events) *Pipeline {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Pipeline{
		cfg:        cfg.withDefaults(),
		detector:   detector,
		builder:    builder,
		backend:    backend,
		summarizer: summarizer,
		store:      store,
		writer:     writer,
		metrics:    recorder,
		events:     events,
		segQ:       newFIFO[segment.Segment](),
		sumQ:       newFIFO[segment.TranscriptionResult](),
		stopCh:     make(chan struct{}),
		transDone:  make(chan struct{}),
		drainedCh:  make(chan struct{}),
		sleep:      time.Sleep,
		paths:      make(map[int]string),
		results:    make(map[int]segment.TranscriptionResult),
		failed:     make(map[int]string),
	}
}

// Start launches the worker pools and the drain coordinator.
func (p *Pipeline) Start(ctx context.Context) {
	var transWG, sumWG sync.WaitGroup

	for i := 0; i < p.cfg.TranscribeWorkers; i++ {
		transWG.Add(1)
		go func() {
			defer transWG.Done()
			p.transcriptionWorker(ctx)
		}()
	}
	for i := 0; i < p.cfg.SummarizeWorkers; i++ {
		sumWG.Add(1)
		go func() {
			defer sumWG.Done()
			p.summarizationWorker(ctx)
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			p.RequestStop()
		case <-p.stopCh:
		}

		transWG.Wait()
		close(p.transDone)
		sumWG.Wait()

		p.finalize(ctx)
		close(p.drainedCh)
	}()
}

// Submit hands a new segment to the pipeline. It fails with ErrStopped
// after RequestStop, and rejects sequence numbers that were already
// submitted.
func (p *Pipeline) Submit(seg segment.Segment) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}

	p.mu.Lock()
	if _, dup := p.paths[seg.Sequence]; dup {
		p.mu.Unlock()
		return errors.New("duplicate segment sequence")
	}
	p.paths[seg.Sequence] = seg.Path
	p.mu.Unlock()

	seg.Status = segment.StatusCreated
	if p.store != nil {
		if err := p.store.AddSegment(seg); err != nil {
			slog.Warn("persist segment failed", "sequence", seg.Sequence, "error", err)
		}
	}

	p.segQ.Push(seg)
	return nil
}

// RequestStop stops accepting submissions. Both queues keep running until
// empty; drain completion triggers exactly one finalization.
func (p *Pipeline) RequestStop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Drained is closed once both queues are empty after a stop and the final
// artifacts have been produced.
func (p *Pipeline) Drained() <-chan struct{} { return p.drainedCh }

// IsDrained reports whether finalization has completed.
func (p *Pipeline) IsDrained() bool {
	select {
	case <-p.drainedCh:
		return true
	default:
		return false
	}
}

// Outcome returns the session outcome once drained.
func (p *Pipeline) Outcome() (segment.Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome == nil {
		return segment.Outcome{}, false
	}
	return *p.outcome, true
}

// finalize synthesizes the final artifacts. Guarded by the drain
// coordinator running once; the outcome check keeps a re-entrant call from
// re-emitting anything.
func (p *Pipeline) finalize(ctx context.Context) {
	p.mu.Lock()
	if p.outcome != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.summarizer.Pending() > 0 {
		p.flushBatch(ctx)
	}

	finalSummary, degraded := p.summarizer.Finalize(ctx)

	p.mu.Lock()
	results := make([]segment.TranscriptionResult, 0, len(p.results))
	completed := make([]int, 0, len(p.results))
	for seq, r := range p.results {
		results = append(results, r)
		completed = append(completed, seq)
	}
	failed := make([]int, 0, len(p.failed))
	for seq := range p.failed {
		failed = append(failed, seq)
	}
	p.mu.Unlock()

	sort.Ints(completed)
	sort.Ints(failed)

	outcome := segment.Outcome{
		SessionID:          p.cfg.SessionID,
		FinalTranscript:    segment.JoinTranscripts(results),
		FinalSummary:       finalSummary,
		CompletedSequences: completed,
		FailedSequences:    failed,
		Partial:            degraded || ctx.Err() != nil,
	}

	p.mu.Lock()
	p.outcome = &outcome
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.SaveOutcome(outcome); err != nil {
			slog.Warn("persist outcome failed", "error", err)
		}
	}
	if p.writer != nil {
		if err := p.writer.WriteFinal(outcome); err != nil {
			slog.Warn("write final artifacts failed", "error", err)
		}
	}
	if p.events != nil {
		p.events.SessionComplete(outcome)
	}

	slog.Info("session drained",
		"session", p.cfg.SessionID,
		"completed", len(completed),
		"failed", len(failed),
		"partial", outcome.Partial)
}
