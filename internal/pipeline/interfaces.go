package pipeline

import (
	"context"
	"errors"
	"image"
)

// Detector is the unified interface for detection backends
type Detector interface {
	// Name returns the detector identifier (e.g. "yolo", "grpc")
	Name() string

	// Detect runs inference on a frame. Rows below confThreshold may be
	// returned; the driver filters them.
	Detect(ctx context.Context, frame *FrameData, confThreshold float64) ([]RawDetection, error)

	// Close releases detector resources
	Close() error
}

// FrameSource supplies decoded frames in order.
// Next returns io.EOF once the stream is exhausted.
type FrameSource interface {
	// FPS returns the nominal frame rate
	FPS() float64

	// Next returns the next decoded frame
	Next(ctx context.Context) (image.Image, error)

	// Close releases the source
	Close() error
}

// ClipRequest asks a clip queue to render the window around an event
type ClipRequest struct {
	Ring          *FrameRing
	Event         ViolationEvent
	FPS           float64
	OutPath       string
	AllDetections []Detection
	PreSec        float64
	PostSec       float64
}

// ClipQueue accepts clip work without blocking the frame loop
type ClipQueue interface {
	// Enqueue snapshots the window and hands it to a worker.
	// Returns false when the task was dropped.
	Enqueue(req ClipRequest) bool

	// Shutdown waits for queued work to drain, then stops the workers
	Shutdown(ctx context.Context) error
}

// ClipQueueFactory builds a started clip queue bound to one run
type ClipQueueFactory interface {
	NewQueue(runID string, tracker EventTracker) ClipQueue
}

// ErrQueueFull is reported when a clip task is dropped for lack of queue space
var ErrQueueFull = errors.New("clip queue full")

// ErrEmptyWindow is reported when none of an event's clip window is still buffered
var ErrEmptyWindow = errors.New("clip window not buffered")
