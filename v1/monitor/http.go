package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Status is the JSON body served by StatusHandler.
type Status struct {
	Peer    string `json:"peer"`
	Owner   string `json:"owner,omitempty"`
	IsOwner bool   `json:"is_owner"`
}

// StatusHandler reports this peer's identity and the recorded owner.
func StatusHandler(m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		c := m.c
		m.mu.Unlock()
		if c == nil {
			http.Error(w, "no coordinator bound", http.StatusServiceUnavailable)
			return
		}
		owner, err := c.Owner(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Status{
			Peer:    c.ID(),
			Owner:   owner,
			IsOwner: c.IsOwner(),
		})
	}
}

// SSEHandler streams ownership transitions over Server-Sent Events.
func SSEHandler(m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := m.Watch(ctx)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = m.Unwatch(context.Background(), ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams ownership transitions over WebSocket.
func WebSocketHandler(m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := m.Watch(ctx)
		if err != nil {
			return
		}
		defer func() {
			_ = m.Unwatch(context.Background(), ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
