// Package notify pushes session state changes to the outside world: the log
// and any number of websocket clients.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hark/internal/session"
)

const (
	defaultClientBuffer = 32
	writeTimeout        = 5 * time.Second
)

// Event is one message sent to websocket clients.
type Event struct {
	// Type is "state" or "error".
	Type    string            `json:"type"`
	Time    time.Time         `json:"time"`
	Session *session.Snapshot `json:"session,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithOriginPatterns allows cross-origin websocket connections from hosts
// matching patterns. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// WithClientBuffer sets how many events may queue per client before it is
// disconnected as too slow.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// Hub fans session events out to websocket clients. It implements
// [session.Observer] and [session.ErrorObserver], and serves the websocket
// endpoint as an [http.Handler].
//
// A new client first receives the current snapshot. Clients that fall
// behind are disconnected instead of slowing down the session.
type Hub struct {
	snapshot func() session.Snapshot
	origins  []string
	buffer   int

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	send    chan []byte
	dropped bool
}

var (
	_ session.Observer      = (*Hub)(nil)
	_ session.ErrorObserver = (*Hub)(nil)
	_ http.Handler          = (*Hub)(nil)
)

// NewHub returns a Hub that reads the session state from snapshot.
func NewHub(snapshot func() session.Snapshot, opts ...HubOption) *Hub {
	h := &Hub{
		snapshot: snapshot,
		buffer:   defaultClientBuffer,
		clients:  make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// OnStateChanged implements [session.Observer].
func (h *Hub) OnStateChanged(session.State) {
	snap := h.snapshot()
	h.broadcast(Event{Type: "state", Time: time.Now(), Session: &snap})
}

// OnError implements [session.ErrorObserver].
func (h *Hub) OnError(err error) {
	h.broadcast(Event{Type: "error", Time: time.Now(), Error: err.Error()})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Error("notify: failed to encode event", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if c.dropped {
		return
	}
	c.dropped = true
	delete(h.clients, c)
	close(c.send)
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("notify: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, h.buffer)}
	snap := h.snapshot()
	first, err := json.Marshal(Event{Type: "state", Time: time.Now(), Session: &snap})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode snapshot")
		return
	}
	c.send <- first

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.dropLocked(c)
		h.mu.Unlock()
	}()

	slog.Debug("notify: client connected", "remote", r.RemoteAddr)
	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			if err := write(ctx, conn, msg); err != nil {
				slog.Debug("notify: client gone", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
