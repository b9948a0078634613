package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/router"
)

const (
	// wsReadLimit fits the largest inbound frame.
	wsReadLimit = 1024
	// wsQueueLen is the per-client backlog; a client that falls further
	// behind is disconnected.
	wsQueueLen   = 64
	wsWriteLimit = 10 * time.Second
)

// WSHub tracks WebSocket clients. It is a notify.ClientSink whose frames are
// the binary encoding of protocol messages.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	closed  bool
	logger  *slog.Logger
}

// wsClient is one connection. The hub owns out and closes it on removal,
// which ends the write pump and with it the connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
}

// NewWSHub creates an empty hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{clients: make(map[string]*wsClient), logger: logger}
}

// add starts tracking c. It fails once the hub is closed.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.logger.Debug("ws client connected", "client", c.id, "total", len(h.clients))
	return true
}

// drop stops tracking c. Dropping an unknown client is a no-op.
func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *WSHub) dropLocked(c *wsClient) {
	if h.clients[c.id] != c {
		return
	}
	delete(h.clients, c.id)
	close(c.out)
	h.logger.Debug("ws client disconnected", "client", c.id, "total", len(h.clients))
}

// Close disconnects every client and refuses new ones. Safe to call more
// than once.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *WSHub) Name() string { return "websocket" }

func (h *WSHub) Accepts(protocol.MessageType) bool { return true }

// Active reports whether any client is connected.
func (h *WSHub) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// Broadcast queues msg for every client, disconnecting clients whose queue
// is full. It reports false once the hub is closed.
func (h *WSHub) Broadcast(msg protocol.Message) bool {
	frame := protocol.Encode(msg)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, c := range h.clients {
		select {
		case c.out <- frame:
		default:
			h.logger.Warn("ws client too slow, disconnecting", "client", c.id)
			h.dropLocked(c)
		}
	}
	return true
}

// SendTo queues msg for one client.
func (h *WSHub) SendTo(id string, msg protocol.Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	select {
	case c.out <- protocol.Encode(msg):
		return true
	default:
		return false
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := &wsClient{id: uuid.NewString(), conn: conn, out: make(chan []byte, wsQueueLen)}
	if !s.wsHub.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.drop(c)

	// A new client gets the full state regardless of broadcast throttling.
	if s.notifier != nil {
		s.notifier.NotifyClient(s.wsHub, c.id)
	}

	go writeFrames(c)
	s.readFrames(r.Context(), c)
}

// writeFrames sends queued frames until the hub drops the client.
func writeFrames(c *wsClient) {
	for frame := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteLimit)
		err := c.conn.Write(ctx, websocket.MessageBinary, frame)
		cancel()
		if err != nil {
			c.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
	c.conn.Close(websocket.StatusGoingAway, "")
}

// readFrames dispatches inbound binary frames until the connection ends.
func (s *Server) readFrames(ctx context.Context, c *wsClient) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if _, err := s.rt.Dispatch(router.OriginWebSocket, data); err != nil {
			s.logger.Debug("ws frame rejected", "client", c.id, "err", err)
		}
	}
}
