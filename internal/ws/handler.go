package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shiftwatch/internal/task"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TaskGetter looks up task status
type TaskGetter interface {
	Get(id string) (task.Task, error)
}

// Handler streams task status and event updates over websockets
type Handler struct {
	hub   *Hub
	tasks TaskGetter

	// Interval between task status pushes
	Interval time.Duration

	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, tasks TaskGetter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:      hub,
		tasks:    tasks,
		Interval: time.Second,
		logger:   logger.Named("ws"),
	}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: /ws/tasks/{task_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/tasks/")
	taskID := strings.TrimSuffix(path, "/")

	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}
	if _, err := h.tasks.Get(taskID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("client connected", zap.String("task_id", taskID), zap.String("remote", r.RemoteAddr))

	c := newClient(conn)
	h.hub.Register(taskID, c)

	go h.readPump(taskID, c)
	go h.writePump(taskID, c)
}

// readPump detects disconnection and answers pongs
func (h *Handler) readPump(taskID string, c *client) {
	defer close(c.done)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("read error", zap.String("task_id", taskID), zap.Error(err))
			}
			return
		}
	}
}

// writePump owns all writes on the connection. It pushes the task status
// every Interval and closes the connection once the task has finished.
func (h *Handler) writePump(taskID string, c *client) {
	status := time.NewTicker(h.Interval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		status.Stop()
		ping.Stop()
		h.hub.Unregister(taskID, c)
		c.conn.Close()
	}()

	if finished, err := h.pushStatus(taskID, c); err != nil || finished {
		return
	}

	for {
		select {
		case msg := <-c.send:
			if err := h.write(c, websocket.TextMessage, msg); err != nil {
				return
			}
		case <-status.C:
			if finished, err := h.pushStatus(taskID, c); err != nil || finished {
				return
			}
		case <-ping.C:
			if err := h.write(c, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// pushStatus sends the current task snapshot. When the task is finished
// it flushes queued event messages and closes the stream.
func (h *Handler) pushStatus(taskID string, c *client) (bool, error) {
	t, err := h.tasks.Get(taskID)
	if err != nil {
		h.logger.Warn("task lookup failed", zap.String("task_id", taskID), zap.Error(err))
		return false, err
	}

	finished := t.Status == task.StatusDone || t.Status == task.StatusError
	if finished {
		if err := h.flush(c); err != nil {
			return true, err
		}
	}

	data, err := json.Marshal(NewTaskMessage(t))
	if err != nil {
		return false, err
	}
	if err := h.write(c, websocket.TextMessage, data); err != nil {
		return false, err
	}

	if finished {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task "+string(t.Status))
		h.write(c, websocket.CloseMessage, closeMsg)
	}
	return finished, nil
}

func (h *Handler) flush(c *client) error {
	for {
		select {
		case msg := <-c.send:
			if err := h.write(c, websocket.TextMessage, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (h *Handler) write(c *client, messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
