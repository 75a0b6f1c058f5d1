package ws

import (
	"time"

	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/task"
)

// TaskMessage carries a task status snapshot
type TaskMessage struct {
	Type      string    `json:"type"` // "task"
	Timestamp time.Time `json:"timestamp"`
	Task      task.Task `json:"task"`
}

// EventMessage carries one event lifecycle transition
type EventMessage struct {
	Type      string              `json:"type"` // "event"
	TaskID    string              `json:"task_id"`
	Kind      pipeline.UpdateKind `json:"kind"`
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Event     EventPayload        `json:"event"`
}

// EventPayload is the client view of a violation event
type EventPayload struct {
	ID            int       `json:"id"`
	Classes       []string  `json:"class_names"`
	Confidences   []float64 `json:"confs"`
	BBox          []int     `json:"bbox"`
	FrameIndex    int       `json:"frame_idx"`
	TimeSec       float64   `json:"time_s"`
	WallTimeFirst time.Time `json:"wall_time_first"`
	ClipPath      string    `json:"clip_path,omitempty"`
}

// NewTaskMessage creates a status message for t
func NewTaskMessage(t task.Task) *TaskMessage {
	return &TaskMessage{
		Type:      "task",
		Timestamp: time.Now(),
		Task:      t,
	}
}

// NewEventMessage creates an event message from a bus update
func NewEventMessage(u pipeline.EventUpdate) *EventMessage {
	ev := u.Event
	return &EventMessage{
		Type:      "event",
		TaskID:    u.RunID,
		Kind:      u.Kind,
		Status:    ev.Status.String(),
		Timestamp: u.Timestamp,
		Event: EventPayload{
			ID:            ev.ID,
			Classes:       ev.Classes,
			Confidences:   ev.Confidences,
			BBox:          ev.BBox.Values(),
			FrameIndex:    ev.FrameIndex,
			TimeSec:       ev.TimeSec,
			WallTimeFirst: ev.WallTimeFirst,
			ClipPath:      ev.ClipPath,
		},
	}
}
