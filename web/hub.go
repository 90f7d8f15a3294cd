package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	goutils "go.viam.com/utils"

	"github.com/mhss/shade/logging"
)

const (
	viewerQueue = 4
	writeWait   = 5 * time.Second
)

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans messages out to connected viewers. A viewer whose queue is full misses the message
// instead of slowing down the sender. New viewers first receive the last message sent.
type Hub struct {
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	last    []byte
	closed  bool
}

// NewHub returns an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: map[*viewer]struct{}{},
	}
}

// ServeHTTP upgrades the request and serves the viewer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	v := &viewer{conn: conn, send: make(chan []byte, viewerQueue)}
	if !h.register(v) {
		goutils.UncheckedError(conn.Close())
		return
	}

	written := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(written)
		h.writeLoop(v)
	})

	// Viewers never send anything; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debugw("viewer disconnected", "remote", r.RemoteAddr)
			} else {
				h.logger.Debugw("viewer disconnected", "remote", r.RemoteAddr, "error", err)
			}
			break
		}
	}

	h.unregister(v)
	<-written
	goutils.UncheckedError(conn.Close())
}

func (h *Hub) register(v *viewer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.viewers[v] = struct{}{}
	if h.last != nil {
		v.send <- h.last
	}
	h.logger.Debugw("viewer connected", "viewers", len(h.viewers))
	return true
}

func (h *Hub) unregister(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; ok {
		delete(h.viewers, v)
		close(v.send)
	}
}

func (h *Hub) writeLoop(v *viewer) {
	for msg := range v.send {
		goutils.UncheckedError(v.conn.SetWriteDeadline(time.Now().Add(writeWait)))
		if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debugw("error writing to viewer", "error", err)
			// Unblocks the read loop, which unregisters the viewer.
			goutils.UncheckedError(v.conn.Close())
			for range v.send {
			}
			return
		}
	}
}

// Broadcast queues `msg` for every viewer and remembers it for viewers that connect later.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = msg
	for v := range h.viewers {
		select {
		case v.send <- msg:
		default:
			h.logger.Debugw("viewer is behind, dropping message", "remote", v.conn.RemoteAddr())
		}
	}
}

// Forget drops the remembered message.
func (h *Hub) Forget() {
	h.mu.Lock()
	h.last = nil
	h.mu.Unlock()
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	deadline := time.Now().Add(writeWait)
	for v := range h.viewers {
		goutils.UncheckedError(v.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline))
		goutils.UncheckedError(v.conn.Close())
	}
}
