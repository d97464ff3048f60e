// Package ws implements the WebSocket adapter for streaming run events
// to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/port/broadcast"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection. An empty threadID subscribes
// to every run.
type conn struct {
	ws       *websocket.Conn
	cancel   context.CancelFunc
	threadID string
}

// wants reports whether the connection subscribed to the given thread.
func (c *conn) wants(threadID string) bool {
	return c.threadID == "" || c.threadID == threadID
}

// Hub manages active WebSocket connections and fans run events out to
// them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

var _ broadcast.Broadcaster = (*Hub)(nil)

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request to a WebSocket subscription. The
// thread_id query parameter narrows the subscription to one run.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, threadID: r.URL.Query().Get("thread_id")}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "thread_id", c.threadID)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, _, err := ws.Read(ctx)
			if err != nil {
				return
			}
		}
	}()
}

// BroadcastEvent sends the event to every connection subscribed to its
// thread. Failed writes disconnect the client; the run never waits.
func (h *Hub) BroadcastEvent(ctx context.Context, ev event.StageEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("websocket event marshal failed", "thread_id", ev.ThreadID, "error", err)
		return
	}
	data, err := json.Marshal(Message{Type: string(ev.Type), Payload: payload})
	if err != nil {
		slog.Error("websocket envelope marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !c.wants(ev.ThreadID) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
