// Package server exposes pipeline progress to websocket subscribers and
// a small status API.
package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sorenh/minuteman/internal/segment"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast fans a message out to all subscribers. Slow subscribers drop
// messages rather than block the pipeline.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) SegmentReady(sequence int) {
	h.broadcastEvent(SegmentReadyEvent{
		Event:    newEvent("segment_ready", time.Now().UTC()),
		Sequence: sequence,
	})
}

func (h *Hub) SegmentFailed(sequence int, reason string) {
	h.broadcastEvent(SegmentFailedEvent{
		Event:    newEvent("segment_failed", time.Now().UTC()),
		Sequence: sequence,
		Reason:   reason,
	})
}

func (h *Hub) TranscriptReady(res segment.TranscriptionResult) {
	h.broadcastEvent(TranscriptReadyEvent{
		Event:      newEvent("transcript_ready", time.Now().UTC()),
		Sequence:   res.Sequence,
		Text:       res.Text,
		Backend:    res.Backend,
		Truncated:  res.Truncated,
		RetryCount: res.RetryCount,
	})
}

func (h *Hub) BatchSealed(b segment.SummaryBatch) {
	h.broadcastEvent(BatchSealedEvent{
		Event:   newEvent("batch_sealed", time.Now().UTC()),
		BatchID: b.ID,
		Members: b.Members,
		Summary: b.Summary,
		Failed:  b.Failed,
	})
}

func (h *Hub) SessionComplete(o segment.Outcome) {
	h.broadcastEvent(SessionCompleteEvent{
		Event:     newEvent("session_complete", time.Now().UTC()),
		SessionID: o.SessionID,
		Completed: o.CompletedSequences,
		Failed:    o.FailedSequences,
		Partial:   o.Partial,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal event failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
