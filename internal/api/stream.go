package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"hookrelay/internal/auth"
	"hookrelay/internal/broker"
)

const (
	sseHeartbeat = 15 * time.Second
	wsPingPeriod = 20 * time.Second
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage is the frame sent to WebSocket clients.
type wsMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// DeliveryStreamHandler handles GET /api/webhooks/configs/{id}/deliveries/stream
// as server-sent events.
func (s *Server) DeliveryStreamHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	sub, err := s.ownedSubscription(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(sub.ID)
	defer s.Broker.Unsubscribe(sub.ID, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"webhook_id\":%q,\"ts\":%q}\n\n", sub.ID, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

// DeliveryWSHandler handles GET /api/webhooks/configs/{id}/deliveries/ws.
// Messages are {type, data}; the connection is kept alive with pings.
func (s *Server) DeliveryWSHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	sub, err := s.ownedSubscription(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(sub.ID)
	defer s.Broker.Unsubscribe(sub.ID, ch)

	// all writes happen on this goroutine
	write := func(fn func() error) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return fn()
	}

	// Read loop only services pongs and notices the client leaving.
	conn.SetReadLimit(1 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := write(func() error {
		return conn.WriteJSON(wsMessage{Type: "connected", Data: map[string]any{"webhook_id": sub.ID}})
	}); err != nil {
		return
	}
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(func() error { return conn.WriteJSON(toWSMessage(evt)) }); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
				return
			}
		}
	}
}

func toWSMessage(evt broker.Event) wsMessage {
	return wsMessage{Type: evt.Type, Data: evt.Data}
}
