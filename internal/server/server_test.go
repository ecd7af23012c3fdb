package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStatusEndpoint(t *testing.T) {
	hub := NewHub()
	handler := Handler(hub, func() Status {
		return Status{SessionID: "sess-1", Draining: true}
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.SessionID != "sess-1" || !status.Draining || status.Drained {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestWebsocketDeliversEvents(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(Handler(hub, func() Status { return Status{} }))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// First message is the connection handshake event. The subscription
	// is registered before the handshake is sent, so once it arrives the
	// hub is safe to broadcast through.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if payload["type"] != "connection" {
		t.Fatalf("expected connection event, got %#v", payload["type"])
	}

	hub.SegmentReady(7)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if err := json.Unmarshal(msg, &payload); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if payload["type"] != "segment_ready" || payload["sequence"] != float64(7) {
		t.Fatalf("unexpected broadcast payload: %s", string(msg))
	}
}
