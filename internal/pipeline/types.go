package pipeline

import (
	"image"
	"time"
)

// BBox is an axis-aligned box in pixel coordinates (x1 <= x2, y1 <= y2)
type BBox struct {
	X1 int `json:"x1"` // Left
	Y1 int `json:"y1"` // Top
	X2 int `json:"x2"` // Right
	Y2 int `json:"y2"` // Bottom
}

// Area returns the box area, zero for degenerate boxes
func (b BBox) Area() int {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Union returns the smallest box containing both b and o
func (b BBox) Union(o BBox) BBox {
	return BBox{
		X1: min(b.X1, o.X1),
		Y1: min(b.Y1, o.Y1),
		X2: max(b.X2, o.X2),
		Y2: max(b.Y2, o.Y2),
	}
}

// Values returns the box as [x1, y1, x2, y2]
func (b BBox) Values() []int {
	return []int{b.X1, b.Y1, b.X2, b.Y2}
}

// IoU returns intersection-over-union of two boxes.
// A zero union area yields 0.
func IoU(a, b BBox) float64 {
	inter := BBox{
		X1: max(a.X1, b.X1),
		Y1: max(a.Y1, b.Y1),
		X2: min(a.X2, b.X2),
		Y2: min(a.Y2, b.Y2),
	}.Area()

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// FrameData is a decoded frame handed to detectors
type FrameData struct {
	Index int         // Frame index in the stream
	Time  float64     // Elapsed stream time in seconds
	Image image.Image // Decoded frame
}

// RawDetection is a single detector output row
type RawDetection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Detection is an immutable detection bound to its source frame
type Detection struct {
	Class      string    `json:"class_name"`
	Confidence float64   `json:"conf"`
	BBox       BBox      `json:"bbox"`
	FrameIndex int       `json:"frame_idx"`
	TimeSec    float64   `json:"time_s"`
	WallTime   time.Time `json:"wall_time"`
}

// EventStatus is the lifecycle state of a violation event
type EventStatus int

const (
	// StatusOpen accepts merges and is eligible for finalization
	StatusOpen EventStatus = iota
	// StatusEnqueued has a clip task in flight
	StatusEnqueued
	// StatusSaved has a finished clip
	StatusSaved
	// StatusFailed lost its clip task; only a new merge reopens it
	StatusFailed
)

func (s EventStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusEnqueued:
		return "enqueued"
	case StatusSaved:
		return "saved"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ViolationEvent aggregates related detections into one clip-worthy occurrence.
// Values handed out by the Aggregator are snapshots; the live record stays behind its lock.
type ViolationEvent struct {
	ID            int         `json:"id"`
	Classes       []string    `json:"class_names"`
	Confidences   []float64   `json:"confs"`
	BBox          BBox        `json:"bbox"`
	FrameIndex    int         `json:"frame_idx"`
	TimeSec       float64     `json:"time_s"`
	WallTimeFirst time.Time   `json:"wall_time_first"`
	LastUpdate    float64     `json:"last_update_s"`
	Status        EventStatus `json:"-"`
	ClipPath      string      `json:"clip_path,omitempty"`
	ClipStart     int         `json:"clip_start"`
	ClipEnd       int         `json:"clip_end"`

	generation uint64
}

// Pending reports whether the event is still waiting for a clip
func (e ViolationEvent) Pending() bool {
	return e.Status == StatusOpen || e.Status == StatusEnqueued
}

// Enqueued reports whether a clip task is in flight
func (e ViolationEvent) Enqueued() bool {
	return e.Status == StatusEnqueued
}

// Saved reports whether the event's clip was written
func (e ViolationEvent) Saved() bool {
	return e.Status == StatusSaved
}

// MeanConfidence returns the average contributing confidence
func (e ViolationEvent) MeanConfidence() (float64, bool) {
	if len(e.Confidences) == 0 {
		return 0, false
	}
	var sum float64
	for _, c := range e.Confidences {
		sum += c
	}
	return sum / float64(len(e.Confidences)), true
}

// HasClass checks if a label already contributed to the event
func (e *ViolationEvent) HasClass(class string) bool {
	for _, c := range e.Classes {
		if c == class {
			return true
		}
	}
	return false
}

func (e *ViolationEvent) snapshot() ViolationEvent {
	out := *e
	out.Classes = append([]string(nil), e.Classes...)
	out.Confidences = append([]float64(nil), e.Confidences...)
	return out
}

// ClipResult describes a finished clip write
type ClipResult struct {
	Path   string
	Start  int // First frame index in the window
	End    int // Last frame index in the window
	Frames int // Frames actually written
}

// Report is the outcome of one processing run
type Report struct {
	RunID      string           `json:"run_id"`
	OutDir     string           `json:"out_dir"`
	FPS        float64          `json:"fps"`
	Frames     int              `json:"frames"`
	Detections []Detection      `json:"detections"`
	Events     []ViolationEvent `json:"events"`
}

// SavedCount returns the number of events with a written clip
func (r *Report) SavedCount() int {
	n := 0
	for _, ev := range r.Events {
		if ev.Saved() {
			n++
		}
	}
	return n
}
