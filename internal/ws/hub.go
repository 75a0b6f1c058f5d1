package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shiftwatch/internal/pipeline"
)

const sendBuffer = 64

// client is one websocket connection. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Hub fans event updates out to the connections watching each task
type Hub struct {
	// clients maps task_id -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex

	unsubscribe func()
	logger      *zap.Logger
}

// NewHub creates a hub fed by bus. bus may be nil.
func NewHub(bus *pipeline.EventBus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:     make(map[string]map[*client]bool),
		unsubscribe: func() {},
		logger:      logger.Named("ws"),
	}
	if bus != nil {
		h.unsubscribe = bus.Subscribe(pipeline.EventUpdateFunc(h.OnEventUpdate))
	}
	return h
}

// Register adds a connection for a task
func (h *Hub) Register(taskID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[taskID] == nil {
		h.clients[taskID] = make(map[*client]bool)
	}
	h.clients[taskID][c] = true
	h.logger.Debug("client registered", zap.String("task_id", taskID), zap.Int("total", len(h.clients[taskID])))
}

// Unregister removes a connection for a task
func (h *Hub) Unregister(taskID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[taskID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, taskID)
		}
		h.logger.Debug("client unregistered", zap.String("task_id", taskID))
	}
}

// HasClients returns true if anyone is watching the task
func (h *Hub) HasClients(taskID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[taskID]
	return ok && len(conns) > 0
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast queues message for every client of a task. Slow clients
// lose messages rather than stall the publisher.
func (h *Hub) Broadcast(taskID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[taskID] {
		select {
		case c.send <- message:
		default:
			h.logger.Warn("client send buffer full, message dropped", zap.String("task_id", taskID))
		}
	}
}

// OnEventUpdate implements pipeline.EventUpdateHandler
func (h *Hub) OnEventUpdate(u pipeline.EventUpdate) {
	if !h.HasClients(u.RunID) {
		return
	}

	data, err := json.Marshal(NewEventMessage(u))
	if err != nil {
		h.logger.Error("failed to marshal event message", zap.Error(err))
		return
	}
	h.Broadcast(u.RunID, data)
}

// Close detaches the hub from the event bus
func (h *Hub) Close() {
	h.unsubscribe()
}

var _ pipeline.EventUpdateHandler = (*Hub)(nil)
