// Package relay fans lifecycle events out to connected browsers. The hub
// goroutine owns the session set, so subscribing, dropping and broadcasting
// never block each other; a slow subscriber is evicted instead of stalling
// the fan-out. Delivery is best-effort: clients re-fetch authoritative state
// and fall back to polling when disconnected.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rideboard/internal/observability"
)

// Message is what subscribers receive: the event name and the lifecycle
// payload republished verbatim.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

type Hub struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	sendBuffer   int

	register   chan *Session
	unregister chan *Session
	broadcast  chan Message
	done       chan struct{}
	sessions   map[*Session]struct{}
	count      atomic.Int64
}

func NewHub(logger *slog.Logger, writeTimeout time.Duration, sendBuffer int) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	return &Hub{
		logger:       logger,
		writeTimeout: writeTimeout,
		sendBuffer:   sendBuffer,
		register:     make(chan *Session),
		unregister:   make(chan *Session),
		broadcast:    make(chan Message, 64),
		done:         make(chan struct{}),
		sessions:     make(map[*Session]struct{}),
	}
}

// Run owns the session set until ctx is cancelled, then closes every
// connection. Subscribers are expected to reconnect after a restart.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// done unblocks every pump stuck on a hub channel send
			close(h.done)
			for s := range h.sessions {
				h.drop(s)
			}
			return
		case s := <-h.register:
			h.sessions[s] = struct{}{}
			h.count.Add(1)
			observability.RelayClients.Inc()
		case s := <-h.unregister:
			if _, ok := h.sessions[s]; ok {
				h.drop(s)
			}
		case msg := <-h.broadcast:
			observability.RelayEvents.Inc()
			for s := range h.sessions {
				select {
				case s.send <- msg:
				default:
					// send buffer full: the client is too slow to keep up
					h.drop(s)
					observability.RelayDropped.Inc()
				}
			}
		}
	}
}

func (h *Hub) drop(s *Session) {
	delete(h.sessions, s)
	close(s.send)
	_ = s.conn.Close()
	h.count.Add(-1)
	observability.RelayClients.Dec()
}

// Broadcast queues msg for delivery to every open session. After shutdown
// it is a no-op.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ClientCount reports the number of open sessions.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Subscribe adopts an upgraded connection and starts its pumps. After
// shutdown the connection is closed instead.
func (h *Hub) Subscribe(conn *websocket.Conn) {
	s := &Session{hub: h, conn: conn, send: make(chan Message, h.sendBuffer)}
	select {
	case h.register <- s:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go s.writePump()
	go s.readPump()
}

func (s *Session) writePump() {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.detach()
				return
			}
		case <-ping.C:
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.hub.writeTimeout))
		}
	}
}

// readPump discards anything the client sends; its only job is to notice
// the connection going away.
func (s *Session) readPump() {
	s.conn.SetReadLimit(512)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.detach()
			return
		}
	}
}

// detach hands the session back to the hub, or gives up when the hub has
// already shut down and nobody is draining unregister.
func (s *Session) detach() {
	select {
	case s.hub.unregister <- s:
	case <-s.hub.done:
	}
}
