package pipeline

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
)

// ErrOutOfOrder is returned when a frame index does not advance the ring
var ErrOutOfOrder = errors.New("frame index out of order")

// FrameEntry is a buffered frame
type FrameEntry struct {
	Index int
	Frame image.Image
}

// FrameRing is a fixed-capacity store of the most recent decoded frames.
// Entries are never mutated after Push.
type FrameRing struct {
	entries []FrameEntry
	head    int // Position of the oldest entry
	count   int
	mu      sync.RWMutex
}

// RingCapacity sizes a ring so it covers the widest clip window while
// finalization lags behind the live frame by up to finalizeDelay seconds.
func RingCapacity(pre, post, finalizeDelay, safety, fps float64) int {
	n := int(math.Ceil((pre+post+finalizeDelay+safety)*fps)) + 10
	if n < 1 {
		n = 1
	}
	return n
}

// NewFrameRing creates a ring holding at most capacity frames
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{
		entries: make([]FrameEntry, capacity),
	}
}

// Push appends a frame, evicting the oldest one when full
func (r *FrameRing) Push(index int, frame image.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		newest := r.entries[(r.head+r.count-1)%len(r.entries)].Index
		if index <= newest {
			return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, index, newest)
		}
	}

	if r.count == len(r.entries) {
		// Drop the reference so the payload can be collected
		r.entries[r.head] = FrameEntry{}
		r.head = (r.head + 1) % len(r.entries)
		r.count--
	}

	r.entries[(r.head+r.count)%len(r.entries)] = FrameEntry{Index: index, Frame: frame}
	r.count++
	return nil
}

// SnapshotRange copies every retained entry with from <= index <= to.
// The result narrows silently to what is still buffered.
func (r *FrameRing) SnapshotRange(from, to int) []FrameEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 || from > to {
		return nil
	}

	out := make([]FrameEntry, 0, min(r.count, to-from+1))
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+i)%len(r.entries)]
		if e.Index < from {
			continue
		}
		if e.Index > to {
			break
		}
		out = append(out, e)
	}
	return out
}

// Newest returns the latest buffered frame index
func (r *FrameRing) Newest() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return 0, false
	}
	return r.entries[(r.head+r.count-1)%len(r.entries)].Index, true
}

// Oldest returns the earliest buffered frame index
func (r *FrameRing) Oldest() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return 0, false
	}
	return r.entries[r.head].Index, true
}

// Len returns the number of buffered frames
func (r *FrameRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity
func (r *FrameRing) Cap() int {
	return len(r.entries)
}
