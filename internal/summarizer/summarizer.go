// Package summarizer accumulates transcripts, flushes them into sealed
// summary batches, and maintains the rolling session summary so each
// backend call carries prior context instead of the whole history.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sorenh/minuteman/internal/llm"
	"github.com/sorenh/minuteman/internal/segment"
)

const (
	defaultBatchSize  = 3
	defaultMaxMembers = 16

	initialTemplate = "This is the first segment of a meeting recording. Please summarize the following transcript:\n{{transcript}}"
	continuationTemplate = "This is a continuation of a meeting. Previous summary:\n{{summary}}\nNew transcript:\n{{transcript}}\nPlease update the summary."
	finalTemplate = "The meeting has ended. Combine the following partial summaries, in order, into one final meeting summary:\n{{summaries}}"
)

// Sink persists sealed batches and rolling summary updates.
type Sink interface {
	SaveBatch(b segment.SummaryBatch) error
	SaveRolling(r segment.RollingSummary) error
}

// Trigger is a flush predicate. Predicates are evaluated with OR
// semantics: any one firing causes a flush.
type Trigger func(members, approxTokens int) bool

// CountTrigger fires when the buffer reaches n transcripts.
func CountTrigger(n int) Trigger {
	return func(members, _ int) bool { return n > 0 && members >= n }
}

// TokenBudgetTrigger fires when the buffered text exceeds an approximate
// token budget.
func TokenBudgetTrigger(budget int) Trigger {
	return func(_, approxTokens int) bool { return budget > 0 && approxTokens >= budget }
}

// Config controls batching and prompting.
type Config struct {
	BatchSize   int
	TokenBudget int
	// MaxMembers is the hard-limit safeguard bounding buffer growth even
	// when the configured triggers are misfiring.
	MaxMembers int

	SystemPrompt string

	MaxAttempts int
	Backoff     []time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxMembers <= 0 {
		c.MaxMembers = defaultMaxMembers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	}
	return c
}

// Summarizer is the single writer of the rolling summary. All mutation
// happens on the summarization worker's goroutine; other goroutines only
// read snapshots through Rolling and Sealed.
type Summarizer struct {
	client   llm.Client
	sink     Sink
	cfg      Config
	triggers []Trigger

	sleep func(time.Duration)
	now   func() time.Time

	mu      sync.Mutex
	buffer  []segment.TranscriptionResult
	sealed  []segment.SummaryBatch
	rolling segment.RollingSummary
	nextID  int
}

// New creates a summarizer with the default trigger set: batch size plus
// the token-budget safeguard when configured.
func New(client llm.Client, sink Sink, cfg Config) *Summarizer {
	cfg = cfg.withDefaults()
	triggers := []Trigger{CountTrigger(cfg.BatchSize)}
	if cfg.TokenBudget > 0 {
		triggers = append(triggers, TokenBudgetTrigger(cfg.TokenBudget))
	}
	triggers = append(triggers, CountTrigger(cfg.MaxMembers))

	return &Summarizer{
		client:   client,
		sink:     sink,
		cfg:      cfg,
		triggers: triggers,
		sleep:    time.Sleep,
		now:      time.Now,
		nextID:   1,
	}
}

// Add appends a transcript to the accumulation buffer.
func (s *Summarizer) Add(res segment.TranscriptionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, res)
}

// ShouldFlush reports whether any flush trigger fires for the current
// buffer.
func (s *Summarizer) ShouldFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := EstimateTokens(concatenate(s.buffer))
	for _, trigger := range s.triggers {
		if trigger(len(s.buffer), tokens) {
			return true
		}
	}
	return false
}

// Flush seals the buffered transcripts into a batch and summarizes it.
// A backend failure after bounded retries seals the batch as failed; its
// member transcripts stay available for the final aggregate and later
// batches are unaffected. Returns nil when the buffer is empty.
func (s *Summarizer) Flush(ctx context.Context) (*segment.SummaryBatch, error) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil, nil
	}

	members := make([]int, len(s.buffer))
	for i, r := range s.buffer {
		members[i] = r.Sequence
	}
	transcript := concatenate(s.buffer)
	s.buffer = s.buffer[:0]

	batch := segment.SummaryBatch{
		ID:           s.nextID,
		Members:      members,
		Transcript:   transcript,
		ApproxTokens: EstimateTokens(transcript),
	}
	s.nextID++
	prior := s.rolling.Text
	s.mu.Unlock()

	if strings.TrimSpace(transcript) == "" {
		s.seal(batch)
		return &batch, nil
	}

	summaryText, err := s.complete(ctx, s.batchMessages(prior, transcript))
	if err != nil {
		batch.Failed = true
		s.seal(batch)
		return &batch, fmt.Errorf("summarize batch %d: %w", batch.ID, err)
	}

	batch.Summary = summaryText

	s.mu.Lock()
	s.rolling = segment.RollingSummary{
		Text:        summaryText,
		LastBatchID: batch.ID,
		UpdatedAt:   s.now().UTC(),
	}
	rolling := s.rolling
	s.mu.Unlock()

	s.seal(batch)
	if s.sink != nil {
		if err := s.sink.SaveRolling(rolling); err != nil {
			slog.Warn("persist rolling summary failed", "batch", batch.ID, "error", err)
		}
	}
	return &batch, nil
}

// Rolling returns a snapshot of the rolling summary state.
func (s *Summarizer) Rolling() segment.RollingSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolling
}

// Sealed returns a copy of all sealed batches in flush order.
func (s *Summarizer) Sealed() []segment.SummaryBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]segment.SummaryBatch(nil), s.sealed...)
}

// Pending returns the number of buffered, unflushed transcripts.
func (s *Summarizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Finalize synthesizes one final summary from the ordered set of sealed
// batch summaries. On backend failure after retries it degrades to the
// concatenation of the batch summaries and reports degraded=true.
func (s *Summarizer) Finalize(ctx context.Context) (text string, degraded bool) {
	var parts []string
	for _, b := range s.Sealed() {
		if b.Failed || strings.TrimSpace(b.Summary) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(b.Summary))
	}
	if len(parts) == 0 {
		return "", false
	}
	if len(parts) == 1 {
		return parts[0], false
	}

	joined := strings.Join(parts, "\n\n---\n\n")
	content := strings.ReplaceAll(finalTemplate, "{{summaries}}", joined)

	summaryText, err := s.complete(ctx, s.frame(content))
	if err != nil {
		slog.Warn("final summary synthesis failed, using joined batch summaries", "error", err)
		return joined, true
	}
	return summaryText, false
}

func (s *Summarizer) batchMessages(prior, transcript string) []llm.Message {
	var content string
	if strings.TrimSpace(prior) == "" {
		content = strings.ReplaceAll(initialTemplate, "{{transcript}}", transcript)
	} else {
		content = strings.ReplaceAll(continuationTemplate, "{{summary}}", prior)
		content = strings.ReplaceAll(content, "{{transcript}}", transcript)
	}
	return s.frame(content)
}

func (s *Summarizer) frame(content string) []llm.Message {
	var messages []llm.Message
	if s.cfg.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: s.cfg.SystemPrompt})
	}
	return append(messages, llm.Message{Role: "user", Content: content})
}

func (s *Summarizer) complete(ctx context.Context, messages []llm.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		result, err := s.client.Complete(ctx, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < s.cfg.MaxAttempts-1 {
			s.sleep(s.cfg.Backoff[min(attempt, len(s.cfg.Backoff)-1)])
		}
	}
	return "", lastErr
}

func (s *Summarizer) seal(batch segment.SummaryBatch) {
	s.mu.Lock()
	s.sealed = append(s.sealed, batch)
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.SaveBatch(batch); err != nil {
			slog.Warn("persist batch failed", "batch", batch.ID, "error", err)
		}
	}
}

// EstimateTokens approximates the token count of text as one token per
// four characters.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func concatenate(results []segment.TranscriptionResult) string {
	var b strings.Builder
	for _, r := range results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	return b.String()
}
