package segment

import (
	"sort"
	"strings"
	"time"
)

// Status tracks a segment through the pipeline. A segment advances
// Created -> Stabilizing -> Ready -> Transcribing and terminates in either
// Transcribed or TranscriptionFailed. Only the worker currently holding the
// segment may advance its status.
type Status string

const (
	StatusCreated      Status = "created"
	StatusStabilizing  Status = "stabilizing"
	StatusReady        Status = "ready"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusFailed       Status = "transcription_failed"
)

// Failure reasons recorded on segments and batches that could not be
// processed. These recover locally and never halt the pipeline.
const (
	ReasonStabilityTimeout = "stability_timeout"
	ReasonBackendTimeout   = "backend_timeout"
	ReasonBackendError     = "backend_error"
	ReasonBuildFailure     = "context_build_failure"
)

// Segment is one fixed-duration slice of captured audio plus its sidecar
// metadata. Sequence numbers are contiguous per session and never reused.
type Segment struct {
	Sequence         int           `json:"sequence"`
	Path             string        `json:"path"`
	StartTime        time.Time     `json:"start_time"`
	ExpectedDuration time.Duration `json:"expected_duration"`
	CreatedAt        time.Time     `json:"created_at"`
	Status           Status        `json:"status"`
	FailureReason    string        `json:"failure_reason,omitempty"`
}

// Token is a single recognized span with timestamps relative to the audio
// artifact it was transcribed from, in seconds.
type Token struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the accepted transcript for one segment. It is
// immutable once accepted; a truncation retry replaces the whole value.
type TranscriptionResult struct {
	Sequence   int     `json:"sequence"`
	Text       string  `json:"text"`
	Tokens     []Token `json:"tokens"`
	Backend    string  `json:"backend"`
	Truncated  bool    `json:"truncated"`
	RetryCount int     `json:"retry_count"`
}

// SummaryBatch is a contiguous run of segment transcripts summarized in one
// backend call. A batch is sealed once flushed and immutable afterwards.
type SummaryBatch struct {
	ID           int    `json:"batch_id"`
	Members      []int  `json:"member_sequences"`
	Transcript   string `json:"concatenated_text"`
	Summary      string `json:"summary_text"`
	ApproxTokens int    `json:"approx_token_count"`
	Failed       bool   `json:"failed"`
}

// RollingSummary is a snapshot of the continuously updated session
// synthesis. The summarization worker is its only writer; everyone else
// receives copies.
type RollingSummary struct {
	Text        string    `json:"text"`
	LastBatchID int       `json:"last_batch_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outcome is produced exactly once per session, at drain completion.
type Outcome struct {
	SessionID          string `json:"session_id"`
	FinalTranscript    string `json:"final_transcript"`
	FinalSummary       string `json:"final_summary"`
	CompletedSequences []int  `json:"completed_sequences"`
	FailedSequences    []int  `json:"failed_sequences"`
	Partial            bool   `json:"partial"`
}

// JoinTranscripts builds the aggregate transcript from results in sequence
// order, regardless of the order they completed in.
func JoinTranscripts(results []TranscriptionResult) string {
	sorted := append([]TranscriptionResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var b strings.Builder
	for _, r := range sorted {
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
