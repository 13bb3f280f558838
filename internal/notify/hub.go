package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// Timing
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// subscriber is one websocket connection, optionally filtered to one entity
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	entity contracts.EntityType
	id     string
}

func (s *subscriber) wants(t contracts.Transition) bool {
	if s.entity != "" && s.entity != t.Entity {
		return false
	}
	return s.id == "" || s.id == t.EntityID
}

// Hub streams committed transitions to UI timelines over websocket.
// It is a contracts.TransitionObserver; a slow subscriber is dropped,
// never waited on.
type Hub struct {
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of live connections
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// OnTransition broadcasts t to matching subscribers
func (h *Hub) OnTransition(t contracts.Transition) {
	msg, err := json.Marshal(t)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to encode transition for timeline")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		if !s.wants(t) {
			continue
		}
		select {
		case s.send <- msg:
		default:
			// 느린 구독자는 끊음
			h.removeLocked(s)
		}
	}
}

// ServeHTTP upgrades the request. Optional query filters: entity, id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("Timeline upgrade failed")
		return
	}

	s := &subscriber{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		entity: contracts.EntityType(r.URL.Query().Get("entity")),
		id:     r.URL.Query().Get("id"),
	}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(s)
	go h.readLoop(s)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		h.removeLocked(s)
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	close(s.send)
}

// readLoop drains control frames and detects disconnects
func (h *Hub) readLoop(s *subscriber) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
