package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BBox
		want float64
	}{
		{"identical", BBox{0, 0, 10, 10}, BBox{0, 0, 10, 10}, 1},
		{"disjoint", BBox{0, 0, 10, 10}, BBox{20, 20, 30, 30}, 0},
		{"touching edges", BBox{0, 0, 10, 10}, BBox{10, 0, 20, 10}, 0},
		{"half overlap", BBox{0, 0, 10, 10}, BBox{5, 0, 15, 10}, 50.0 / 150.0},
		{"contained", BBox{0, 0, 10, 10}, BBox{0, 0, 5, 10}, 0.5},
		{"zero area both", BBox{5, 5, 5, 5}, BBox{5, 5, 5, 5}, 0},
		{"zero area one", BBox{5, 5, 5, 5}, BBox{0, 0, 10, 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-9)
			assert.InDelta(t, IoU(tt.a, tt.b), IoU(tt.b, tt.a), 1e-12, "IoU must be symmetric")
		})
	}
}

func TestBBoxUnion(t *testing.T) {
	boxes := []BBox{
		{0, 0, 10, 10},
		{5, 5, 20, 8},
		{-3, 40, 2, 41},
		{7, 7, 7, 7},
	}

	for _, a := range boxes {
		assert.Equal(t, a, a.Union(a), "union with itself is idempotent")
		for _, b := range boxes {
			u := a.Union(b)
			for _, in := range []BBox{a, b} {
				assert.LessOrEqual(t, u.X1, in.X1)
				assert.LessOrEqual(t, u.Y1, in.Y1)
				assert.GreaterOrEqual(t, u.X2, in.X2)
				assert.GreaterOrEqual(t, u.Y2, in.Y2)
			}
			assert.Equal(t, u, b.Union(a))
		}
	}
}

func TestViolationEventStatusFlags(t *testing.T) {
	ev := ViolationEvent{Status: StatusOpen}
	assert.True(t, ev.Pending())
	assert.False(t, ev.Enqueued())
	assert.False(t, ev.Saved())

	ev.Status = StatusEnqueued
	assert.True(t, ev.Pending())
	assert.True(t, ev.Enqueued())

	ev.Status = StatusSaved
	assert.False(t, ev.Pending())
	assert.False(t, ev.Enqueued())
	assert.True(t, ev.Saved())

	ev.Status = StatusFailed
	assert.False(t, ev.Pending())
	assert.False(t, ev.Saved())
}

func TestMeanConfidence(t *testing.T) {
	_, ok := ViolationEvent{}.MeanConfidence()
	assert.False(t, ok)

	mean, ok := ViolationEvent{Confidences: []float64{0.5, 0.7, 0.9}}.MeanConfidence()
	assert.True(t, ok)
	assert.InDelta(t, 0.7, mean, 1e-9)
}

func TestClipFileName(t *testing.T) {
	ev := ViolationEvent{
		ID:            7,
		Classes:       []string{"no_glove", "no head"},
		TimeSec:       12.9,
		WallTimeFirst: time.Now(),
	}
	assert.Equal(t, "event_7_no_glove_no-head_12s.mp4", ClipFileName(ev, false))
	assert.Equal(t, "event_7_no_glove_no-head_12s_final.mp4", ClipFileName(ev, true))
}
