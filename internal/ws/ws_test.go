package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/task"
)

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]task.Task
}

func (f *fakeTasks) Get(id string) (task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

func (f *fakeTasks) setStatus(id string, s task.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = s
	f.tasks[id] = t
}

type incoming struct {
	Type  string              `json:"type"`
	Kind  pipeline.UpdateKind `json:"kind"`
	Task  task.Task           `json:"task"`
	Event EventPayload        `json:"event"`
}

func setup(t *testing.T) (*httptest.Server, *Hub, *pipeline.EventBus, *fakeTasks) {
	t.Helper()
	bus := pipeline.NewEventBus()
	hub := NewHub(bus, nil)
	t.Cleanup(hub.Close)

	tasks := &fakeTasks{tasks: map[string]task.Task{
		"task_1": {ID: "task_1", Status: task.StatusRunning},
	}}
	h := NewHandler(hub, tasks, nil)
	h.Interval = 20 * time.Millisecond

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, hub, bus, tasks
}

func dial(t *testing.T, srv *httptest.Server, taskID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks/" + taskID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (incoming, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return incoming{}, err
	}
	var msg incoming
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg, nil
}

func TestStreamsStatusAndEvents(t *testing.T) {
	srv, hub, bus, tasks := setup(t)
	conn := dial(t, srv, "task_1")

	first, err := read(t, conn)
	require.NoError(t, err)
	assert.Equal(t, "task", first.Type)
	assert.Equal(t, task.StatusRunning, first.Task.Status)
	require.True(t, hub.HasClients("task_1"))

	bus.Publish(pipeline.EventUpdate{RunID: "other", Kind: pipeline.UpdateCreated})
	bus.Publish(pipeline.EventUpdate{
		RunID: "task_1",
		Kind:  pipeline.UpdateSaved,
		Event: pipeline.ViolationEvent{
			ID:          3,
			Classes:     []string{"no_glove"},
			Confidences: []float64{0.9},
			BBox:        pipeline.BBox{X1: 1, Y1: 2, X2: 3, Y2: 4},
			Status:      pipeline.StatusSaved,
			ClipPath:    "/out/clips/event_3.mp4",
		},
		Timestamp: time.Now(),
	})

	var ev incoming
	for {
		msg, err := read(t, conn)
		require.NoError(t, err)
		if msg.Type == "event" {
			ev = msg
			break
		}
	}
	assert.Equal(t, pipeline.UpdateSaved, ev.Kind)
	assert.Equal(t, 3, ev.Event.ID)
	assert.Equal(t, []int{1, 2, 3, 4}, ev.Event.BBox)
	assert.Equal(t, "/out/clips/event_3.mp4", ev.Event.ClipPath)

	tasks.setStatus("task_1", task.StatusDone)

	var last incoming
	for {
		msg, err := read(t, conn)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = msg
	}
	assert.Equal(t, "task", last.Type)
	assert.Equal(t, task.StatusDone, last.Task.Status)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFinishedTaskClosesImmediately(t *testing.T) {
	srv, _, _, tasks := setup(t)
	tasks.setStatus("task_1", task.StatusError)
	conn := dial(t, srv, "task_1")

	msg, err := read(t, conn)
	require.NoError(t, err)
	assert.Equal(t, task.StatusError, msg.Task.Status)

	_, err = read(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestRejectsUnknownTask(t *testing.T) {
	srv, _, _, _ := setup(t)

	resp, err := http.Get(srv.URL + "/ws/tasks/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws/tasks/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastSkipsIdleTasks(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()

	hub.OnEventUpdate(pipeline.EventUpdate{RunID: "nobody"})
	assert.False(t, hub.HasClients("nobody"))
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubCloseDetachesFromBus(t *testing.T) {
	bus := pipeline.NewEventBus()
	hub := NewHub(bus, nil)
	assert.Equal(t, 1, bus.SubscriberCount())

	hub.Close()
	assert.Zero(t, bus.SubscriberCount())
}
