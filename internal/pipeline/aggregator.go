package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"shiftwatch/internal/metrics"
)

// MergeIoUThreshold is the minimum overlap for a spatial merge
const MergeIoUThreshold = 0.1

// EventTracker is the view of the Aggregator used by clip workers.
// Every transition is checked against the generation handed out by
// MarkEnqueued so a superseded task cannot finalize a reopened event.
type EventTracker interface {
	MarkEnqueued(id int) (uint64, bool)
	RevertEnqueued(id int, generation uint64)
	MarkSaved(id int, generation uint64, clip ClipResult) (ViolationEvent, bool)
	MarkFailed(id int, generation uint64)
}

// Aggregator merges detections into violation events.
// A single lock covers the event list; registration, sweeps and worker
// transitions all observe a consistent view. Updates are published while
// the lock is held so subscribers see transitions in the order they were
// applied; bus handlers must not call back into the aggregator.
type Aggregator struct {
	runID       string
	mergeWindow float64
	events      []*ViolationEvent
	byID        map[int]*ViolationEvent
	nextID      int
	bus         *EventBus
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewAggregator creates an aggregator for one run.
// mergeWindow is the maximum time distance in seconds for spatial merges.
func NewAggregator(runID string, mergeWindow float64, bus *EventBus, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		runID:       runID,
		mergeWindow: mergeWindow,
		byID:        make(map[int]*ViolationEvent),
		nextID:      1,
		bus:         bus,
		logger:      logger.Named("aggregator"),
	}
}

// RegisterDetection merges det into a matching event or opens a new one.
// Events are scanned newest first and the first match wins; a detection is
// never reassigned afterwards even if a better candidate shows up later.
func (a *Aggregator) RegisterDetection(det Detection, now float64) (bool, ViolationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.events) - 1; i >= 0; i-- {
		ev := a.events[i]
		if !a.matches(ev, det) {
			continue
		}

		if !ev.HasClass(det.Class) {
			ev.Classes = append(ev.Classes, det.Class)
		}
		ev.Confidences = append(ev.Confidences, det.Confidence)
		ev.BBox = ev.BBox.Union(det.BBox)
		if det.TimeSec < ev.TimeSec {
			ev.TimeSec = det.TimeSec
			ev.FrameIndex = det.FrameIndex
		}
		ev.LastUpdate = now

		if ev.Status != StatusOpen {
			a.logger.Debug("event reopened", zap.Int("event_id", ev.ID), zap.Int("frame_idx", det.FrameIndex))
		}
		ev.Status = StatusOpen
		ev.generation++
		snap := ev.snapshot()

		metrics.EventsTotal.WithLabelValues(string(UpdateMerged)).Inc()
		a.publish(UpdateMerged, snap)
		return false, snap
	}

	ev := &ViolationEvent{
		ID:            a.nextID,
		Classes:       []string{det.Class},
		Confidences:   []float64{det.Confidence},
		BBox:          det.BBox,
		FrameIndex:    det.FrameIndex,
		TimeSec:       det.TimeSec,
		WallTimeFirst: det.WallTime,
		LastUpdate:    now,
		Status:        StatusOpen,
	}
	a.nextID++
	a.events = append(a.events, ev)
	a.byID[ev.ID] = ev
	snap := ev.snapshot()

	a.logger.Info("event created",
		zap.Int("event_id", snap.ID),
		zap.String("class", det.Class),
		zap.Int("frame_idx", det.FrameIndex),
	)
	metrics.EventsTotal.WithLabelValues(string(UpdateCreated)).Inc()
	a.publish(UpdateCreated, snap)
	return true, snap
}

// matches reports whether det belongs to ev: same frame, or close in time
// with enough overlap.
func (a *Aggregator) matches(ev *ViolationEvent, det Detection) bool {
	if ev.FrameIndex == det.FrameIndex {
		return true
	}
	dt := ev.TimeSec - det.TimeSec
	if dt < 0 {
		dt = -dt
	}
	return dt <= a.mergeWindow && IoU(ev.BBox, det.BBox) > MergeIoUThreshold
}

// DueForFinalize returns open events idle for at least finalizeDelay
// seconds. With endOfStream set every open event is returned.
func (a *Aggregator) DueForFinalize(now, finalizeDelay float64, endOfStream bool) []ViolationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var due []ViolationEvent
	for _, ev := range a.events {
		if ev.Status != StatusOpen {
			continue
		}
		if endOfStream || now-ev.LastUpdate >= finalizeDelay {
			due = append(due, ev.snapshot())
		}
	}
	return due
}

// MarkEnqueued moves an open event to enqueued and returns the generation
// the clip task must present when it completes.
func (a *Aggregator) MarkEnqueued(id int) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, ok := a.byID[id]
	if !ok || ev.Status != StatusOpen {
		return 0, false
	}
	ev.Status = StatusEnqueued
	ev.generation++
	a.publish(UpdateEnqueued, ev.snapshot())
	return ev.generation, true
}

// RevertEnqueued returns an event to open after its task was rejected
func (a *Aggregator) RevertEnqueued(id int, generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, ok := a.byID[id]
	if !ok || ev.generation != generation || ev.Status != StatusEnqueued {
		return
	}
	ev.Status = StatusOpen
	a.publish(UpdateDropped, ev.snapshot())
}

// MarkSaved records a finished clip and returns the saved event. It
// returns false when the event was reopened after the task was handed out;
// the clip is then stale.
func (a *Aggregator) MarkSaved(id int, generation uint64, clip ClipResult) (ViolationEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, ok := a.byID[id]
	if !ok {
		return ViolationEvent{}, false
	}
	if ev.generation != generation || ev.Status != StatusEnqueued {
		a.logger.Info("clip superseded by newer detections",
			zap.Int("event_id", id),
			zap.String("clip_path", clip.Path),
		)
		snap := ev.snapshot()
		a.publish(UpdateSuperseded, snap)
		return snap, false
	}
	ev.Status = StatusSaved
	ev.ClipPath = clip.Path
	ev.ClipStart = clip.Start
	ev.ClipEnd = clip.End
	snap := ev.snapshot()
	a.publish(UpdateSaved, snap)
	return snap, true
}

// MarkFailed abandons the clip for an event. The event stays out of
// finalize sweeps until a new detection reopens it.
func (a *Aggregator) MarkFailed(id int, generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, ok := a.byID[id]
	if !ok || ev.generation != generation || ev.Status != StatusEnqueued {
		return
	}
	ev.Status = StatusFailed
	a.publish(UpdateFailed, ev.snapshot())
}

// Events returns snapshots of all events in creation order
func (a *Aggregator) Events() []ViolationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ViolationEvent, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.snapshot())
	}
	return out
}

// Get returns a snapshot of one event
func (a *Aggregator) Get(id int) (ViolationEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, ok := a.byID[id]
	if !ok {
		return ViolationEvent{}, false
	}
	return ev.snapshot(), true
}

// RunID returns the run this aggregator belongs to
func (a *Aggregator) RunID() string {
	return a.runID
}

func (a *Aggregator) publish(kind UpdateKind, ev ViolationEvent) {
	a.bus.Publish(EventUpdate{
		RunID:     a.runID,
		Kind:      kind,
		Event:     ev,
		Timestamp: time.Now(),
	})
}

// Ensure Aggregator implements EventTracker
var _ EventTracker = (*Aggregator)(nil)
