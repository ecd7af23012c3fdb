package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// The feed binds to localhost; any local page may subscribe.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWS upgrades the connection, registers it with the hub, greets it
// with a connection event and then relays broadcasts until the client
// goes away or the hub closes the subscription.
func serveWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)
		slog.Debug("websocket subscriber connected", "remote", r.RemoteAddr)

		greeting, err := json.Marshal(ConnectionEvent{
			Event:     newEvent("connection", time.Now().UTC()),
			Connected: true,
		})
		if err != nil {
			slog.Error("marshal connection event failed", "error", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, greeting); err != nil {
			return
		}

		for msg := range ch {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("websocket subscriber dropped", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
