package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sorenh/minuteman/internal/metrics"
	"github.com/sorenh/minuteman/internal/segment"
	"github.com/sorenh/minuteman/internal/stability"
	"github.com/sorenh/minuteman/internal/transcriber"
	"github.com/sorenh/minuteman/internal/window"
)

// transcriptionWorker consumes Ready segments strictly in submission
// order. A worker finishes its current segment, then observes the stop
// flag before dequeuing further.
func (p *Pipeline) transcriptionWorker(ctx context.Context) {
	for {
		it, ok := p.segQ.Pop(p.cfg.PopTimeout)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				if p.segQ.Len() == 0 {
					return
				}
			default:
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		p.processSegment(ctx, it.value)
		p.metrics.Record(metrics.Event{
			Sequence:   it.value.Sequence,
			Stage:      "transcribe",
			QueueWait:  float64(start.Sub(it.at).Milliseconds()),
			Processing: float64(time.Since(start).Milliseconds()),
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (p *Pipeline) processSegment(ctx context.Context, seg segment.Segment) {
	p.setStatus(seg.Sequence, segment.StatusStabilizing, "")

	if err := p.detector.WaitReady(ctx, seg.Path, seg.ExpectedDuration); err != nil {
		if errors.Is(err, stability.ErrTimeout) {
			p.fail(seg.Sequence, segment.ReasonStabilityTimeout, err)
		}
		// Context cancellation loses at most this in-flight segment.
		return
	}

	p.setStatus(seg.Sequence, segment.StatusReady, "")
	if p.events != nil {
		p.events.SegmentReady(seg.Sequence)
	}

	p.setStatus(seg.Sequence, segment.StatusTranscribing, "")

	res, err := p.transcribeWithRetries(ctx, seg)
	if err != nil {
		reason := segment.ReasonBackendError
		if transcriber.IsTimeout(err) {
			reason = segment.ReasonBackendTimeout
		}
		p.fail(seg.Sequence, reason, err)
		return
	}

	p.setStatus(seg.Sequence, segment.StatusTranscribed, "")

	p.mu.Lock()
	p.results[seg.Sequence] = res
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.SaveTranscript(res); err != nil {
			slog.Warn("persist transcript failed", "sequence", seg.Sequence, "error", err)
		}
	}
	if p.writer != nil {
		if err := p.writer.WriteTranscript(res); err != nil {
			slog.Warn("write transcript failed", "sequence", seg.Sequence, "error", err)
		}
	}
	if p.events != nil {
		p.events.TranscriptReady(res)
	}

	p.sumQ.Push(res)
}

// transcribeWithRetries runs the bounded retry loops: backend failures
// retry with backoff up to MaxAttempts, and a truncated-looking result
// earns exactly one extra attempt with a larger pad.
func (p *Pipeline) transcribeWithRetries(ctx context.Context, seg segment.Segment) (segment.TranscriptionResult, error) {
	res, err := p.transcribeOnce(ctx, seg, p.cfg.Pad)
	if err != nil {
		return segment.TranscriptionResult{}, err
	}

	if res.Truncated {
		retried, rerr := p.transcribeOnce(ctx, seg, p.cfg.RetryPad)
		if rerr != nil {
			slog.Warn("truncation retry failed, keeping first result",
				"sequence", seg.Sequence, "error", rerr)
			res.RetryCount = 1
			return res, nil
		}
		retried.RetryCount = 1
		if retried.Truncated {
			slog.Info("transcript still looks truncated after retry",
				"sequence", seg.Sequence)
		}
		return retried, nil
	}

	return res, nil
}

// transcribeOnce performs one full attempt cycle: build the context
// window (falling back to the raw segment on build failure), call the
// backend with bounded backoff, and trim the result to the segment's time
// window.
func (p *Pipeline) transcribeOnce(ctx context.Context, seg segment.Segment, pad time.Duration) (segment.TranscriptionResult, error) {
	prevPath := p.previousPath(seg.Sequence)

	art, err := p.builder.Build(prevPath, seg.Path, p.cfg.PreRoll, pad)
	if err != nil {
		slog.Warn("context window build failed, falling back to raw segment",
			"sequence", seg.Sequence, "reason", segment.ReasonBuildFailure, "error", err)
		p.metrics.Record(metrics.Event{
			Sequence:  seg.Sequence,
			Stage:     "window_fallback",
			Timestamp: time.Now().UTC(),
		})
		art = window.RawArtifact(seg.Path)
	}
	defer func() { _ = art.Close() }()

	raw, err := p.callBackend(ctx, art.Path)
	if err != nil {
		return segment.TranscriptionResult{}, err
	}

	segSeconds := seg.ExpectedDuration.Seconds()
	tokens, text := trimTokens(raw, art.PreRoll.Seconds(), segSeconds)

	res := segment.TranscriptionResult{
		Sequence: seg.Sequence,
		Text:     text,
		Tokens:   tokens,
		Backend:  p.backend.Name(),
	}

	if len(tokens) > 0 {
		lastEnd := tokens[len(tokens)-1].End
		if segSeconds-lastEnd > p.cfg.TruncationSlack.Seconds() {
			res.Truncated = true
		}
	}
	return res, nil
}

func (p *Pipeline) callBackend(ctx context.Context, path string) (transcriber.Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.BackendTimeout)
		raw, err := p.backend.Transcribe(cctx, path, p.cfg.Language)
		cancel()
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < p.cfg.MaxAttempts-1 {
			p.sleep(p.cfg.Backoff[min(attempt, len(p.cfg.Backoff)-1)])
		}
	}
	return transcriber.Result{}, lastErr
}

// trimTokens drops tokens that fall inside the prepended pre-roll window,
// rebases the rest onto the segment's own clock, and clamps them to the
// segment duration. With no pre-roll the backend text passes through
// untouched.
func trimTokens(raw transcriber.Result, preRoll, segSeconds float64) ([]segment.Token, string) {
	if len(raw.Tokens) == 0 {
		return nil, strings.TrimSpace(raw.Text)
	}

	kept := make([]segment.Token, 0, len(raw.Tokens))
	for _, t := range raw.Tokens {
		if t.End <= preRoll {
			continue
		}
		start := t.Start - preRoll
		if start < 0 {
			start = 0
		}
		end := t.End - preRoll
		if start >= segSeconds {
			continue
		}
		if end > segSeconds {
			end = segSeconds
		}
		kept = append(kept, segment.Token{Start: start, End: end, Text: t.Text})
	}

	if preRoll <= 0 {
		return kept, strings.TrimSpace(raw.Text)
	}

	texts := make([]string, 0, len(kept))
	for _, t := range kept {
		texts = append(texts, t.Text)
	}
	return kept, strings.TrimSpace(strings.Join(texts, " "))
}

func (p *Pipeline) previousPath(sequence int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paths[sequence-1]
}

func (p *Pipeline) setStatus(sequence int, status segment.Status, reason string) {
	if p.store != nil {
		if err := p.store.UpdateSegmentStatus(sequence, status, reason); err != nil {
			slog.Warn("persist segment status failed", "sequence", sequence, "status", status, "error", err)
		}
	}
}

func (p *Pipeline) fail(sequence int, reason string, err error) {
	slog.Warn("segment failed", "sequence", sequence, "reason", reason, "error", err)

	p.setStatus(sequence, segment.StatusFailed, reason)
	p.mu.Lock()
	p.failed[sequence] = reason
	p.mu.Unlock()

	if p.events != nil {
		p.events.SegmentFailed(sequence, reason)
	}
}
