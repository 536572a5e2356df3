package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxWebSocketConnections = 200

// eventRecord is the JSON frame pushed to dashboard clients.
type eventRecord struct {
	Event     string    `json:"event"`
	TaskName  string    `json:"task_name"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketSink fans scheduler events out to connected dashboard clients.
// A single hub goroutine owns the connection map; registration and
// unregistration happen over channels rather than locking from caller
// goroutines, and a capacity cap protects against unbounded client
// growth. Events are broadcast directly as they're registered, since
// scheduler events are already push-based.
type WebSocketSink struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan eventRecord
}

// NewWebSocketSink constructs a sink with its channels ready; callers must
// invoke Run in a goroutine before events will be delivered.
func NewWebSocketSink(log *zap.Logger) *WebSocketSink {
	return &WebSocketSink{
		log:        log,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan eventRecord, 256),
	}
}

// Run is the hub loop; it owns all mutation of the client set and must run
// in exactly one goroutine for the sink's lifetime.
func (h *WebSocketSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWebSocketConnections {
				h.mu.Unlock()
				_ = conn.Close()
				h.log.Warn("websocket connection rejected, at capacity", zap.Int("max", maxWebSocketConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			h.mu.Unlock()

		case rec := <-h.events:
			h.broadcast(rec)
		}
	}
}

func (h *WebSocketSink) broadcast(rec eventRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		h.log.Error("marshal event record", zap.Error(err))
		return
	}
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug("websocket write error, will unregister", zap.Error(err))
			go h.Unregister(conn)
		}
	}
}

func (h *WebSocketSink) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// AddClient adds conn to the broadcast set.
func (h *WebSocketSink) AddClient(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes conn from the broadcast set.
func (h *WebSocketSink) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected dashboard clients.
func (h *WebSocketSink) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register implements Sink by enqueueing the event for broadcast; a full
// backlog drops the event rather than blocking the caller's hot path.
func (h *WebSocketSink) Register(event Event, taskName string) {
	select {
	case h.events <- eventRecord{Event: event.String(), TaskName: taskName, Timestamp: time.Now()}:
	default:
		h.log.Warn("dropping event, websocket sink backlog full", zap.String("event", event.String()))
	}
}

func (h *WebSocketSink) RegisterUnexpectedError() {
	select {
	case h.events <- eventRecord{Event: "unexpected_error", Timestamp: time.Now()}:
	default:
	}
}

var _ Sink = (*WebSocketSink)(nil)
