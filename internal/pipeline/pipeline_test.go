package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sorenh/minuteman/internal/segment"
	"github.com/sorenh/minuteman/internal/stability"
	"github.com/sorenh/minuteman/internal/transcriber"
	"github.com/sorenh/minuteman/internal/window"
)

type fakeDetector struct {
	failSequencesByPath map[string]error
}

func (d *fakeDetector) WaitReady(_ context.Context, path string, _ time.Duration) error {
	if d.failSequencesByPath != nil {
		if err, ok := d.failSequencesByPath[path]; ok {
			return err
		}
	}
	return nil
}

type fakeBuilder struct {
	mu    sync.Mutex
	calls []struct {
		prev, cur    string
		preRoll, pad time.Duration
	}
	err error
}

func (b *fakeBuilder) Build(prev, cur string, preRoll, pad time.Duration) (*window.Artifact, error) {
	b.mu.Lock()
	b.calls = append(b.calls, struct {
		prev, cur    string
		preRoll, pad time.Duration
	}{prev, cur, preRoll, pad})
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return window.RawArtifact(cur), nil
}

func (b *fakeBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   int
	results []transcriber.Result
	errs    []error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Transcribe(_ context.Context, _, _ string) (transcriber.Result, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if idx < len(f.errs) && f.errs[idx] != nil {
		return transcriber.Result{}, f.errs[idx]
	}
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	if len(f.results) > 0 {
		return f.results[len(f.results)-1], nil
	}
	return transcriber.Result{Text: "transcribed"}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSummarizer struct {
	mu        sync.Mutex
	added     []segment.TranscriptionResult
	batchSize int
	flushes   int
	finalizes int
	finalText string
	degraded  bool
}

func (s *fakeSummarizer) Add(res segment.TranscriptionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, res)
}

func (s *fakeSummarizer) ShouldFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchSize > 0 && len(s.added) >= s.batchSize
}

func (s *fakeSummarizer) Flush(context.Context) (*segment.SummaryBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	members := make([]int, len(s.added))
	for i, r := range s.added {
		members[i] = r.Sequence
	}
	return &segment.SummaryBatch{ID: s.flushes, Members: members, Summary: "batch summary"}, nil
}

func (s *fakeSummarizer) Finalize(context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizes++
	return s.finalText, s.degraded
}

func (s *fakeSummarizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

func (s *fakeSummarizer) finalizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizes
}

type memoryStore struct {
	mu       sync.Mutex
	statuses map[int][]string
	reasons  map[int]string
	saved    []segment.TranscriptionResult
	outcomes []segment.Outcome
}

func newMemoryStore() *memoryStore {
	return &memoryStore{statuses: make(map[int][]string), reasons: make(map[int]string)}
}

func (m *memoryStore) AddSegment(seg segment.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[seg.Sequence] = append(m.statuses[seg.Sequence], string(seg.Status))
	return nil
}

func (m *memoryStore) UpdateSegmentStatus(sequence int, status segment.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[sequence] = append(m.statuses[sequence], string(status))
	if reason != "" {
		m.reasons[sequence] = reason
	}
	return nil
}

func (m *memoryStore) SaveTranscript(res segment.TranscriptionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, res)
	return nil
}

func (m *memoryStore) SaveOutcome(o segment.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *memoryStore) outcomeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
}

type recordingEvents struct {
	mu        sync.Mutex
	ready     []int
	failed    map[int]string
	completes int
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{failed: make(map[int]string)}
}

func (e *recordingEvents) SegmentReady(sequence int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = append(e.ready, sequence)
}

func (e *recordingEvents) SegmentFailed(sequence int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed[sequence] = reason
}

func (e *recordingEvents) TranscriptReady(segment.TranscriptionResult) {}
func (e *recordingEvents) BatchSealed(segment.SummaryBatch)           {}

func (e *recordingEvents) SessionComplete(segment.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completes++
}

func (e *recordingEvents) completeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completes
}

func testConfig() Config {
	return Config{
		SessionID:  "test-session",
		PopTimeout: 10 * time.Millisecond,
		Backoff:    []time.Duration{time.Millisecond},
	}
}

func testSegment(seq int) segment.Segment {
	return segment.Segment{
		Sequence:         seq,
		Path:             fmt.Sprintf("/tmp/seg_%03d.wav", seq),
		ExpectedDuration: 2 * time.Second,
	}
}

func waitDrained(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for pipeline drain")
	}
}

func TestPipelineDrainsAndFinalizesOnce(t *testing.T) {
	summ := &fakeSummarizer{batchSize: 2, finalText: "final summary"}
	store := newMemoryStore()
	events := newRecordingEvents()

	backend := &fakeBackend{results: []transcriber.Result{
		{Text: "first", Tokens: []segment.Token{{Start: 0, End: 2, Text: "first"}}},
		{Text: "second", Tokens: []segment.Token{{Start: 0, End: 2, Text: "second"}}},
		{Text: "third", Tokens: []segment.Token{{Start: 0, End: 2, Text: "third"}}},
	}}

	p := New(testConfig(), &fakeDetector{}, &fakeBuilder{}, backend, summ, store, nil, nil, events)
	p.sleep = func(time.Duration) {}

	for seq := 0; seq < 3; seq++ {
		if err := p.Submit(testSegment(seq)); err != nil {
			t.Fatalf("Submit %d failed: %v", seq, err)
		}
	}

	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	outcome, ok := p.Outcome()
	if !ok {
		t.Fatal("expected outcome after drain")
	}
	if outcome.SessionID != "test-session" {
		t.Fatalf("unexpected session id %q", outcome.SessionID)
	}
	if len(outcome.CompletedSequences) != 3 {
		t.Fatalf("expected 3 completed sequences, got %v", outcome.CompletedSequences)
	}
	if len(outcome.FailedSequences) != 0 {
		t.Fatalf("expected no failures, got %v", outcome.FailedSequences)
	}
	if outcome.FinalTranscript != "first\nsecond\nthird" {
		t.Fatalf("unexpected final transcript %q", outcome.FinalTranscript)
	}
	if outcome.FinalSummary != "final summary" {
		t.Fatalf("unexpected final summary %q", outcome.FinalSummary)
	}
	if outcome.Partial {
		t.Fatal("clean drain must not be partial")
	}

	if summ.finalizeCount() != 1 {
		t.Fatalf("expected exactly one finalize, got %d", summ.finalizeCount())
	}
	if store.outcomeCount() != 1 {
		t.Fatalf("expected exactly one persisted outcome, got %d", store.outcomeCount())
	}
	if events.completeCount() != 1 {
		t.Fatalf("expected exactly one session_complete event, got %d", events.completeCount())
	}

	if err := p.Submit(testSegment(9)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after drain, got %v", err)
	}
	if !p.IsDrained() {
		t.Fatal("IsDrained must report true after drain")
	}
}

func TestPipelineFailedSegmentDoesNotHaltOthers(t *testing.T) {
	summ := &fakeSummarizer{}
	store := newMemoryStore()
	events := newRecordingEvents()

	detector := &fakeDetector{failSequencesByPath: map[string]error{
		testSegment(1).Path: stability.ErrTimeout,
	}}
	backend := &fakeBackend{results: []transcriber.Result{{Text: "ok"}}}

	p := New(testConfig(), detector, &fakeBuilder{}, backend, summ, store, nil, nil, events)
	p.sleep = func(time.Duration) {}

	for seq := 0; seq < 3; seq++ {
		if err := p.Submit(testSegment(seq)); err != nil {
			t.Fatalf("Submit %d failed: %v", seq, err)
		}
	}

	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	outcome, _ := p.Outcome()
	if len(outcome.CompletedSequences) != 2 {
		t.Fatalf("expected 2 completed, got %v", outcome.CompletedSequences)
	}
	if len(outcome.FailedSequences) != 1 || outcome.FailedSequences[0] != 1 {
		t.Fatalf("expected sequence 1 failed, got %v", outcome.FailedSequences)
	}

	events.mu.Lock()
	reason := events.failed[1]
	events.mu.Unlock()
	if reason != segment.ReasonStabilityTimeout {
		t.Fatalf("expected stability_timeout reason, got %q", reason)
	}

	store.mu.Lock()
	storedReason := store.reasons[1]
	store.mu.Unlock()
	if storedReason != segment.ReasonStabilityTimeout {
		t.Fatalf("expected persisted stability_timeout, got %q", storedReason)
	}
}

func TestPipelineBackendRetryThenSuccess(t *testing.T) {
	summ := &fakeSummarizer{}
	backend := &fakeBackend{
		errs: []error{
			&transcriber.BackendError{Backend: "fake", Err: errors.New("flaky")},
			&transcriber.BackendError{Backend: "fake", Err: errors.New("flaky")},
			nil,
		},
		results: []transcriber.Result{{}, {}, {Text: "third time lucky"}},
	}

	p := New(testConfig(), &fakeDetector{}, &fakeBuilder{}, backend, summ, newMemoryStore(), nil, nil, nil)
	p.sleep = func(time.Duration) {}

	if err := p.Submit(testSegment(0)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	outcome, _ := p.Outcome()
	if len(outcome.CompletedSequences) != 1 {
		t.Fatalf("expected success after retries, got %+v", outcome)
	}
	if outcome.FinalTranscript != "third time lucky" {
		t.Fatalf("unexpected transcript %q", outcome.FinalTranscript)
	}
	if backend.callCount() != 3 {
		t.Fatalf("expected 3 backend calls, got %d", backend.callCount())
	}
}

func TestPipelineBackendExhaustedRetries(t *testing.T) {
	flaky := &transcriber.BackendError{Backend: "fake", Err: errors.New("down")}
	backend := &fakeBackend{errs: []error{flaky, flaky, flaky}}

	store := newMemoryStore()
	events := newRecordingEvents()
	p := New(testConfig(), &fakeDetector{}, &fakeBuilder{}, backend, &fakeSummarizer{}, store, nil, nil, events)
	p.sleep = func(time.Duration) {}

	if err := p.Submit(testSegment(0)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	outcome, _ := p.Outcome()
	if len(outcome.FailedSequences) != 1 {
		t.Fatalf("expected one failed sequence, got %v", outcome.FailedSequences)
	}
	events.mu.Lock()
	reason := events.failed[0]
	events.mu.Unlock()
	if reason != segment.ReasonBackendError {
		t.Fatalf("expected backend_error reason, got %q", reason)
	}
	if backend.callCount() != 3 {
		t.Fatalf("expected retries capped at 3, got %d calls", backend.callCount())
	}
}

func TestPipelineTruncationRetryUsesLargerPad(t *testing.T) {
	cfg := testConfig()
	cfg.Pad = 500 * time.Millisecond
	cfg.TruncationSlack = 3 * time.Second

	// 30s segment: first result ends at 20s (truncated), retry covers it.
	builder := &fakeBuilder{}
	backend := &fakeBackend{results: []transcriber.Result{
		{Text: "cut short", Tokens: []segment.Token{{Start: 0, End: 20, Text: "cut short"}}},
		{Text: "full sentence restored", Tokens: []segment.Token{{Start: 0, End: 29.5, Text: "full sentence restored"}}},
	}}

	store := newMemoryStore()
	p := New(cfg, &fakeDetector{}, builder, backend, &fakeSummarizer{}, store, nil, nil, nil)
	p.sleep = func(time.Duration) {}

	seg := testSegment(0)
	seg.ExpectedDuration = 30 * time.Second
	if err := p.Submit(seg); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	if backend.callCount() != 2 {
		t.Fatalf("expected exactly one truncation retry, got %d calls", backend.callCount())
	}

	builder.mu.Lock()
	firstPad := builder.calls[0].pad
	retryPad := builder.calls[1].pad
	builder.mu.Unlock()
	if firstPad != cfg.Pad {
		t.Fatalf("first attempt pad %v, want %v", firstPad, cfg.Pad)
	}
	if retryPad <= firstPad {
		t.Fatalf("retry pad %v must exceed first pad %v", retryPad, firstPad)
	}

	store.mu.Lock()
	saved := store.saved
	store.mu.Unlock()
	if len(saved) != 1 {
		t.Fatalf("expected one accepted transcript, got %d", len(saved))
	}
	if saved[0].RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", saved[0].RetryCount)
	}
	if saved[0].Truncated {
		t.Fatal("retried result must not be flagged truncated")
	}
	if saved[0].Text != "full sentence restored" {
		t.Fatalf("unexpected accepted text %q", saved[0].Text)
	}
}

func TestPipelineTruncationRetryKeepsFirstOnFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	backend := &fakeBackend{
		results: []transcriber.Result{
			{Text: "cut short", Tokens: []segment.Token{{Start: 0, End: 20, Text: "cut short"}}},
		},
		errs: []error{nil, &transcriber.BackendError{Backend: "fake", Err: errors.New("down")}},
	}

	store := newMemoryStore()
	p := New(cfg, &fakeDetector{}, &fakeBuilder{}, backend, &fakeSummarizer{}, store, nil, nil, nil)
	p.sleep = func(time.Duration) {}

	seg := testSegment(0)
	seg.ExpectedDuration = 30 * time.Second
	if err := p.Submit(seg); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	store.mu.Lock()
	saved := store.saved
	store.mu.Unlock()
	if len(saved) != 1 {
		t.Fatalf("expected first result kept, got %d transcripts", len(saved))
	}
	if saved[0].Text != "cut short" || saved[0].RetryCount != 1 {
		t.Fatalf("expected first result with retry recorded, got %+v", saved[0])
	}
}

func TestPipelineWindowBuildFallsBackToRaw(t *testing.T) {
	builder := &fakeBuilder{err: errors.New("previous segment unreadable")}
	backend := &fakeBackend{results: []transcriber.Result{{Text: "raw worked"}}}

	p := New(testConfig(), &fakeDetector{}, builder, backend, &fakeSummarizer{}, newMemoryStore(), nil, nil, nil)
	p.sleep = func(time.Duration) {}

	if err := p.Submit(testSegment(0)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	outcome, _ := p.Outcome()
	if outcome.FinalTranscript != "raw worked" {
		t.Fatalf("expected fallback transcription, got %q", outcome.FinalTranscript)
	}
	if len(outcome.FailedSequences) != 0 {
		t.Fatalf("window build failure must not fail the segment: %v", outcome.FailedSequences)
	}
}

func TestPipelineRejectsDuplicateSequence(t *testing.T) {
	p := New(testConfig(), &fakeDetector{}, &fakeBuilder{}, &fakeBackend{}, &fakeSummarizer{}, nil, nil, nil, nil)

	if err := p.Submit(testSegment(0)); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if err := p.Submit(testSegment(0)); err == nil {
		t.Fatal("expected duplicate sequence rejection")
	}
}

func TestPipelineSummarizerReceivesTranscriptsInOrder(t *testing.T) {
	summ := &fakeSummarizer{}
	backend := &fakeBackend{results: []transcriber.Result{
		{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"},
	}}

	p := New(testConfig(), &fakeDetector{}, &fakeBuilder{}, backend, summ, newMemoryStore(), nil, nil, nil)
	p.sleep = func(time.Duration) {}

	for seq := 0; seq < 4; seq++ {
		if err := p.Submit(testSegment(seq)); err != nil {
			t.Fatalf("Submit %d failed: %v", seq, err)
		}
	}
	p.Start(context.Background())
	p.RequestStop()
	waitDrained(t, p)

	summ.mu.Lock()
	added := summ.added
	summ.mu.Unlock()
	if len(added) != 4 {
		t.Fatalf("expected 4 transcripts added, got %d", len(added))
	}
	for i, r := range added {
		if r.Sequence != i {
			t.Fatalf("transcripts out of order: %v", added)
		}
	}
}

func TestPipelineCanceledContextMarksPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := New(testConfig(), &fakeDetector{}, &fakeBuilder{}, &fakeBackend{}, &fakeSummarizer{}, nil, nil, nil, nil)
	p.sleep = func(time.Duration) {}

	p.Start(ctx)
	cancel()
	waitDrained(t, p)

	outcome, ok := p.Outcome()
	if !ok {
		t.Fatal("expected outcome after canceled drain")
	}
	if !outcome.Partial {
		t.Fatal("canceled session must be marked partial")
	}
}
