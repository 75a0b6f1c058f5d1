package engine

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch/internal/clip"
	"shiftwatch/internal/config"
	"shiftwatch/internal/notify"
	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/report"
)

type flatSource struct {
	n, next int
}

func (s *flatSource) FPS() float64 { return 10 }

func (s *flatSource) Next(context.Context) (image.Image, error) {
	if s.next >= s.n {
		return nil, io.EOF
	}
	s.next++
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	img.Set(0, 0, color.RGBA{R: uint8(s.next), A: 255})
	return img, nil
}

func (s *flatSource) Close() error { return nil }

type burstDetector struct {
	from, to int
}

func (d *burstDetector) Name() string { return "burst" }

func (d *burstDetector) Detect(_ context.Context, f *pipeline.FrameData, _ float64) ([]pipeline.RawDetection, error) {
	if f.Index < d.from || f.Index > d.to {
		return nil, nil
	}
	return []pipeline.RawDetection{
		{Class: "no_glove", Confidence: 0.9, BBox: pipeline.BBox{X1: 2, Y1: 2, X2: 12, Y2: 12}},
		{Class: "glove", Confidence: 0.3, BBox: pipeline.BBox{X1: 20, Y1: 2, X2: 30, Y2: 12}},
	}, nil
}

func (d *burstDetector) Close() error { return nil }

type nullMuxer struct{}

func (nullMuxer) WriteFrame(image.Image) error { return nil }

func (nullMuxer) Close() error { return nil }

type nullMuxers struct{}

func (nullMuxers) Open(string, float64, int, int) (clip.Muxer, error) { return nullMuxer{}, nil }

type memorySink struct {
	mu   sync.Mutex
	sent []notify.Summary
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Send(_ context.Context, sum notify.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sum)
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pipeline.DetectEvery = 1
	cfg.Pipeline.MergeWindow = 2
	cfg.Pipeline.FinalizeDelay = 1
	cfg.Pipeline.PreMargin = 1
	cfg.Pipeline.PostMargin = 1
	return cfg
}

func TestRunWritesReportsAndNotifies(t *testing.T) {
	var hooks []notify.Summary
	var hookMu sync.Mutex
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s notify.Summary
		if json.NewDecoder(r.Body).Decode(&s) == nil {
			hookMu.Lock()
			hooks = append(hooks, s)
			hookMu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	sink := &memorySink{}
	bus := pipeline.NewEventBus()
	updates, unsubscribe := bus.SubscribeChannel("run-1", 64)
	defer unsubscribe()

	eng := New(context.Background(), testConfig(), bus, nil,
		WithDetector(&burstDetector{from: 20, to: 25}),
		WithSourceOpener(func(context.Context, string) (pipeline.FrameSource, error) {
			return &flatSource{n: 80}, nil
		}),
		WithMuxers(nullMuxers{}),
		WithSinks(sink),
	)
	defer eng.Close()

	var progressed int
	outDir := t.TempDir()
	rep, err := eng.Run(context.Background(), "in.mp4", outDir, "run-1", Overrides{WebhookURL: hook.URL},
		func(frames int) { progressed = frames })
	require.NoError(t, err)

	assert.Equal(t, 80, rep.Frames)
	assert.Equal(t, 80, progressed)
	assert.Len(t, rep.Detections, 6, "low-confidence rows are filtered")
	require.Len(t, rep.Events, 1)
	assert.True(t, rep.Events[0].Saved())

	assert.FileExists(t, filepath.Join(outDir, report.DetectionsFile))
	assert.FileExists(t, filepath.Join(outDir, report.EventsFile))

	sink.mu.Lock()
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "run-1", sink.sent[0].RunID)
	sink.mu.Unlock()

	hookMu.Lock()
	require.Len(t, hooks, 1, "per-run webhook override receives the summary")
	assert.Equal(t, rep.Events[0].ID, hooks[0].EventID)
	hookMu.Unlock()

	// Updates are published synchronously, so everything is buffered by now
	var kinds []pipeline.UpdateKind
collect:
	for {
		select {
		case u := <-updates:
			kinds = append(kinds, u.Kind)
		default:
			break collect
		}
	}
	assert.Contains(t, kinds, pipeline.UpdateCreated)
	assert.Contains(t, kinds, pipeline.UpdateSaved)
}

func TestRunRejectsInvalidOverrides(t *testing.T) {
	eng := New(context.Background(), testConfig(), nil, nil, WithDetector(&burstDetector{}), WithMuxers(nullMuxers{}))

	zero := 0
	_, err := eng.Run(context.Background(), "in.mp4", t.TempDir(), "run", Overrides{DetectEvery: &zero}, nil)
	assert.ErrorContains(t, err, "invalid run settings")
}

func TestRunReportsSourceFailure(t *testing.T) {
	eng := New(context.Background(), testConfig(), nil, nil,
		WithDetector(&burstDetector{}),
		WithMuxers(nullMuxers{}),
		WithSourceOpener(func(context.Context, string) (pipeline.FrameSource, error) {
			return nil, errors.New("no such file")
		}),
	)

	_, err := eng.Run(context.Background(), "missing.mp4", t.TempDir(), "run", Overrides{}, nil)
	assert.ErrorContains(t, err, "no such file")
}

func TestOverridesApply(t *testing.T) {
	conf, every, workers := 0.7, 3, 4
	save := true
	cfg := Overrides{ConfThreshold: &conf, DetectEvery: &every, Workers: &workers, SaveImmediately: &save}.Apply(config.Default())

	assert.Equal(t, 0.7, cfg.Pipeline.ConfThreshold)
	assert.Equal(t, 3, cfg.Pipeline.DetectEvery)
	assert.Equal(t, 4, cfg.Clips.Workers)
	assert.True(t, cfg.Pipeline.SaveImmediately)
	assert.Equal(t, config.Default().Pipeline.MergeWindow, cfg.Pipeline.MergeWindow)
}
