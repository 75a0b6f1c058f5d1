package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"shiftwatch/internal/metrics"
)

// ClipsDirName is the run subdirectory holding rendered clips
const ClipsDirName = "clips"

// DefaultFPS is used when a source reports no frame rate
const DefaultFPS = 25.0

// Settings is the immutable per-run configuration of the driver
type Settings struct {
	ConfThreshold    float64  // Minimum confidence kept from the detector
	DetectEvery      int      // Run detection on every Nth frame
	MergeWindow      float64  // Seconds
	FinalizeDelay    float64  // Seconds of idle time before a clip is written
	PreMargin        float64  // Seconds before the event frame
	PostMargin       float64  // Seconds after the event frame
	SafetyMargin     float64  // Extra seconds of ring history
	SaveImmediately  bool     // Enqueue as soon as an event is created
	ViolationClasses []string // Classes that open events
}

// RunOptions identifies one processing run
type RunOptions struct {
	RunID    string
	OutDir   string
	Progress func(frames int) // Called after every processed frame
}

// Driver owns the per-frame loop: buffer, detect, aggregate, finalize
type Driver struct {
	settings Settings
	detector Detector
	queues   ClipQueueFactory
	bus      *EventBus
	base     *zap.Logger
	logger   *zap.Logger
}

// NewDriver creates a pipeline driver
func NewDriver(settings Settings, detector Detector, queues ClipQueueFactory, bus *EventBus, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.DetectEvery < 1 {
		settings.DetectEvery = 1
	}
	return &Driver{
		settings: settings,
		detector: detector,
		queues:   queues,
		bus:      bus,
		base:     logger,
		logger:   logger.Named("driver"),
	}
}

// run carries the state of one Process call
type run struct {
	opts      RunOptions
	fps       float64
	clipsDir  string
	ring      *FrameRing
	agg       *Aggregator
	queue     ClipQueue
	all       []Detection
	violation map[string]bool
}

// Process reads src to the end and returns the run report.
// Only frame source failures are returned as errors; clip, capacity and
// notification problems are logged and surface as unsaved events.
func (d *Driver) Process(ctx context.Context, src FrameSource, opts RunOptions) (*Report, error) {
	ctx, span := otel.Tracer("shiftwatch/pipeline").Start(ctx, "pipeline.Process")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", opts.RunID))

	r, err := d.newRun(src, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log := d.logger.With(zap.String("run_id", opts.RunID))
	log.Info("processing started",
		zap.Float64("fps", r.fps),
		zap.Int("ring_capacity", r.ring.Cap()),
		zap.String("detector", d.detector.Name()),
	)

	idx := 0
	var inputErr error
	for {
		if err := ctx.Err(); err != nil {
			inputErr = err
			break
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			inputErr = fmt.Errorf("failed to read frame %d: %w", idx, err)
			break
		}

		if err := r.ring.Push(idx, frame); err != nil {
			inputErr = fmt.Errorf("failed to buffer frame %d: %w", idx, err)
			break
		}
		now := float64(idx) / r.fps
		wall := time.Now()

		d.sweep(r, now, false)

		if idx%d.settings.DetectEvery == 0 {
			d.detect(ctx, r, &FrameData{Index: idx, Time: now, Image: frame}, wall)
		}

		metrics.FramesProcessedTotal.Inc()
		idx++
		if opts.Progress != nil {
			opts.Progress(idx)
		}
	}

	// Everything still open is written regardless of idle time
	d.sweep(r, float64(idx)/r.fps, true)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()
	if err := r.queue.Shutdown(shutdownCtx); err != nil {
		log.Warn("clip writer shutdown incomplete", zap.Error(err))
	}

	if inputErr != nil {
		log.Error("processing aborted", zap.Int("frames", idx), zap.Error(inputErr))
		span.RecordError(inputErr)
		span.SetStatus(codes.Error, inputErr.Error())
		return nil, inputErr
	}

	report := &Report{
		RunID:      opts.RunID,
		OutDir:     opts.OutDir,
		FPS:        r.fps,
		Frames:     idx,
		Detections: r.all,
		Events:     r.agg.Events(),
	}
	log.Info("processing finished",
		zap.Int("frames", idx),
		zap.Int("detections", len(r.all)),
		zap.Int("events", len(report.Events)),
		zap.Int("saved", report.SavedCount()),
	)
	span.SetAttributes(
		attribute.Int("frames", idx),
		attribute.Int("events", len(report.Events)),
	)
	return report, nil
}

func (d *Driver) newRun(src FrameSource, opts RunOptions) (*run, error) {
	clipsDir := filepath.Join(opts.OutDir, ClipsDirName)
	if err := os.MkdirAll(clipsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create clips directory: %w", err)
	}

	fps := src.FPS()
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		fps = DefaultFPS
	}

	s := d.settings
	agg := NewAggregator(opts.RunID, s.MergeWindow, d.bus, d.base)

	violation := make(map[string]bool, len(s.ViolationClasses))
	for _, c := range s.ViolationClasses {
		violation[c] = true
	}

	return &run{
		opts:      opts,
		fps:       fps,
		clipsDir:  clipsDir,
		ring:      NewFrameRing(RingCapacity(s.PreMargin, s.PostMargin, s.FinalizeDelay, s.SafetyMargin, fps)),
		agg:       agg,
		queue:     d.queues.NewQueue(opts.RunID, agg),
		violation: violation,
	}, nil
}

// detect runs the detector on a sampled frame and feeds the aggregator
func (d *Driver) detect(ctx context.Context, r *run, frame *FrameData, wall time.Time) {
	rows, err := d.detector.Detect(ctx, frame, d.settings.ConfThreshold)
	if err != nil {
		d.logger.Warn("detection failed",
			zap.String("run_id", r.opts.RunID),
			zap.Int("frame_idx", frame.Index),
			zap.Error(err),
		)
		metrics.DetectorErrorsTotal.Inc()
		return
	}

	for _, row := range rows {
		if row.Confidence < d.settings.ConfThreshold {
			continue
		}
		det := Detection{
			Class:      row.Class,
			Confidence: row.Confidence,
			BBox:       row.BBox,
			FrameIndex: frame.Index,
			TimeSec:    frame.Time,
			WallTime:   wall,
		}
		r.all = append(r.all, det)
		metrics.DetectionsTotal.WithLabelValues(det.Class).Inc()

		if !r.violation[det.Class] {
			continue
		}
		isNew, ev := r.agg.RegisterDetection(det, frame.Time)
		if isNew && d.settings.SaveImmediately {
			d.enqueue(r, ev, false)
		}
	}
}

// sweep hands idle events to the clip queue
func (d *Driver) sweep(r *run, now float64, endOfStream bool) {
	for _, ev := range r.agg.DueForFinalize(now, d.settings.FinalizeDelay, endOfStream) {
		d.enqueue(r, ev, endOfStream)
	}
}

func (d *Driver) enqueue(r *run, ev ViolationEvent, final bool) {
	path := filepath.Join(r.clipsDir, ClipFileName(ev, final))
	ok := r.queue.Enqueue(ClipRequest{
		Ring:          r.ring,
		Event:         ev,
		FPS:           r.fps,
		OutPath:       path,
		AllDetections: r.all,
		PreSec:        d.settings.PreMargin,
		PostSec:       d.settings.PostMargin,
	})
	if ok {
		d.logger.Debug("clip enqueued",
			zap.String("run_id", r.opts.RunID),
			zap.Int("event_id", ev.ID),
			zap.Bool("final", final),
		)
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ClipFileName names the clip for an event. End-of-stream clips carry a
// _final suffix.
func ClipFileName(ev ViolationEvent, final bool) string {
	labels := make([]string, 0, len(ev.Classes))
	for _, c := range ev.Classes {
		labels = append(labels, unsafeName.ReplaceAllString(c, "-"))
	}
	name := fmt.Sprintf("event_%d_%s_%ds", ev.ID, strings.Join(labels, "_"), int(ev.TimeSec))
	if final {
		name += "_final"
	}
	return name + ".mp4"
}
