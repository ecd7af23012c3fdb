package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/sorenh/minuteman/internal/metrics"
)

// summarizationWorker consumes accepted transcripts in arrival order and
// drives the batching summarizer. It exits only when the transcription
// stage has fully drained and its own queue is empty, so a summarization
// backlog can never stall transcription.
func (p *Pipeline) summarizationWorker(ctx context.Context) {
	for {
		it, ok := p.sumQ.Pop(p.cfg.PopTimeout)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.transDone:
				if p.sumQ.Len() == 0 {
					return
				}
			default:
			}
			continue
		}

		p.metrics.Record(metrics.Event{
			Sequence:  it.value.Sequence,
			Stage:     "summarize_enqueue",
			QueueWait: float64(time.Since(it.at).Milliseconds()),
			Timestamp: time.Now().UTC(),
		})

		p.summarizer.Add(it.value)
		if p.summarizer.ShouldFlush() {
			p.flushBatch(ctx)
		}
	}
}

func (p *Pipeline) flushBatch(ctx context.Context) {
	start := time.Now()
	batch, err := p.summarizer.Flush(ctx)
	if err != nil {
		slog.Warn("batch summarization failed", "error", err)
	}
	if batch == nil {
		return
	}

	lastSeq := 0
	if len(batch.Members) > 0 {
		lastSeq = batch.Members[len(batch.Members)-1]
	}
	p.metrics.Record(metrics.Event{
		Sequence:   lastSeq,
		Stage:      "summarize",
		Processing: float64(time.Since(start).Milliseconds()),
		Timestamp:  time.Now().UTC(),
	})

	if p.events != nil {
		p.events.BatchSealed(*batch)
	}
}
