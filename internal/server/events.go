package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type SegmentReadyEvent struct {
	Event
	Sequence int `json:"sequence"`
}

type SegmentFailedEvent struct {
	Event
	Sequence int    `json:"sequence"`
	Reason   string `json:"reason"`
}

type TranscriptReadyEvent struct {
	Event
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
	Backend    string `json:"backend"`
	Truncated  bool   `json:"truncated"`
	RetryCount int    `json:"retry_count"`
}

type BatchSealedEvent struct {
	Event
	BatchID int    `json:"batch_id"`
	Members []int  `json:"members"`
	Summary string `json:"summary"`
	Failed  bool   `json:"failed"`
}

type SessionCompleteEvent struct {
	Event
	SessionID string `json:"session_id"`
	Completed []int  `json:"completed_sequences"`
	Failed    []int  `json:"failed_sequences"`
	Partial   bool   `json:"partial"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
