package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Status is the snapshot served at /api/status.
type Status struct {
	SessionID string `json:"session_id"`
	Draining  bool   `json:"draining"`
	Drained   bool   `json:"drained"`
}

// StatusFunc provides the current session status.
type StatusFunc func() Status

func Handler(hub *Hub, status StatusFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", serveWS(hub))

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			slog.Error("encode status failed", "error", err)
		}
	})

	return mux
}

func Serve(addr string, hub *Hub, status StatusFunc) error {
	slog.Info("event server listening", "addr", addr)
	return http.ListenAndServe(addr, Handler(hub, status))
}
