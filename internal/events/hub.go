// Package events fans task lifecycle events out to WebSocket subscribers.
// The hub is in-process and lossy by design: a slow subscriber is dropped
// rather than allowed to block the task pipeline. The observatory tails
// this feed; nothing in the core depends on delivery.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Event is one lifecycle notification.
type Event struct {
	Type      string      `json:"type"` // e.g. task.created, task.ruled
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub tracks subscribers and broadcasts events.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish broadcasts an event to all current subscribers. Subscribers
// whose buffers are full are disconnected.
func (h *Hub) Publish(eventType string, data interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- payload:
		default:
			h.logger.Warn("dropping slow event subscriber")
			delete(h.subscribers, sub)
			sub.close()
		}
	}
}

// SubscriberCount reports the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// HandleWebSocket upgrades the connection and streams events until the
// client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go sub.writePump()
	go h.readPump(sub)
}

func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		sub.close()
	}()
	// Subscribers never send application data; the read loop only
	// notices disconnects.
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	for payload := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}
