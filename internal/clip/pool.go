package clip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"math"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"shiftwatch/internal/metrics"
	"shiftwatch/internal/pipeline"
)

// ErrJoinTimeout is returned when workers do not exit after the queue drained
var ErrJoinTimeout = errors.New("clip workers did not stop in time")

// Notifier is told about every clip that was saved for a current event
type Notifier interface {
	Notify(ctx context.Context, runID string, ev pipeline.ViolationEvent)
}

// Config holds worker pool settings
type Config struct {
	Workers          int
	QueueSize        int
	JPEGQuality      int           // Quality of the compressed frames held by queued tasks
	JoinTimeout      time.Duration // Bound on waiting for workers after the queue drained
	NotifyTimeout    time.Duration // Deadline shared by the sinks, which run in parallel
	ViolationClasses []string // Drawn in red
}

// DefaultConfig returns the pool defaults
func DefaultConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     200,
		JPEGQuality:   80,
		JoinTimeout:   5 * time.Second,
		NotifyTimeout: 5 * time.Second,
	}
}

type encodedFrame struct {
	index int
	data  []byte
}

// task owns its compressed frames; nothing aliases the live ring
type task struct {
	eventID    int
	generation uint64
	outPath    string
	fps        float64
	frames     []encodedFrame
	detections map[int][]pipeline.Detection
}

// Pool is a fixed set of clip writers draining one bounded queue
type Pool struct {
	runID     string
	cfg       Config
	tracker   pipeline.EventTracker
	muxers    MuxerFactory
	notifier  Notifier
	annotator *Annotator
	logger    *zap.Logger

	tasks   chan *task
	stopCh  chan struct{}
	pending sync.WaitGroup // Submitted tasks not yet finished
	workers sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewPool creates a pool bound to one run. Workers are not running until Start.
func NewPool(runID string, cfg Config, tracker pipeline.EventTracker, muxers MuxerFactory, notifier Notifier, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		runID:     runID,
		cfg:       cfg,
		tracker:   tracker,
		muxers:    muxers,
		notifier:  notifier,
		annotator: NewAnnotator(cfg.ViolationClasses),
		logger:    logger.Named("writer").With(zap.String("run_id", runID)),
		tasks:     make(chan *task, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("clip workers started", zap.Int("workers", p.cfg.Workers), zap.Int("queue_size", p.cfg.QueueSize))
}

// Enqueue snapshots the event's window from the ring, compresses it and
// hands it to the queue without blocking. The event is marked enqueued only
// while the task sits in the queue.
func (p *Pool) Enqueue(req pipeline.ClipRequest) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ev := req.Event
	log := p.logger.With(zap.Int("event_id", ev.ID), zap.String("clip_path", req.OutPath))

	if p.closed {
		log.Warn("clip pool closed, dropping task")
		return false
	}

	newest, ok := req.Ring.Newest()
	if !ok {
		return false
	}

	start := ev.FrameIndex - int(math.Round(req.PreSec*req.FPS))
	end := min(ev.FrameIndex+int(math.Round(req.PostSec*req.FPS)), newest)

	frames := p.compress(req.Ring.SnapshotRange(start, end), log)
	if len(frames) == 0 {
		// Nothing to write will ever appear for this window; park the event
		if gen, ok := p.tracker.MarkEnqueued(ev.ID); ok {
			p.tracker.MarkFailed(ev.ID, gen)
		}
		metrics.ClipTasksTotal.WithLabelValues("empty").Inc()
		log.Warn("clip window empty", zap.Int("start", start), zap.Int("end", end), zap.Error(pipeline.ErrEmptyWindow))
		return false
	}

	dets := make(map[int][]pipeline.Detection)
	for _, d := range req.AllDetections {
		if d.FrameIndex >= start && d.FrameIndex <= end {
			dets[d.FrameIndex] = append(dets[d.FrameIndex], d)
		}
	}

	gen, ok := p.tracker.MarkEnqueued(ev.ID)
	if !ok {
		return false
	}

	t := &task{
		eventID:    ev.ID,
		generation: gen,
		outPath:    req.OutPath,
		fps:        req.FPS,
		frames:     frames,
		detections: dets,
	}

	p.pending.Add(1)
	select {
	case p.tasks <- t:
		metrics.ClipTasksTotal.WithLabelValues("enqueued").Inc()
		metrics.ClipQueueDepth.Inc()
		return true
	default:
		p.pending.Done()
		p.tracker.RevertEnqueued(ev.ID, gen)
		metrics.ClipTasksTotal.WithLabelValues("dropped").Inc()
		log.Warn("dropping clip task", zap.Int("queue_size", p.cfg.QueueSize), zap.Error(pipeline.ErrQueueFull))
		return false
	}
}

// compress JPEG-encodes ring entries so queued memory does not scale with
// resolution times frame count
func (p *Pool) compress(entries []pipeline.FrameEntry, log *zap.Logger) []encodedFrame {
	opts := &jpeg.Options{Quality: p.cfg.JPEGQuality}
	out := make([]encodedFrame, 0, len(entries))
	for _, e := range entries {
		if e.Frame == nil {
			continue
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, e.Frame, opts); err != nil {
			log.Warn("failed to compress frame, skipping", zap.Int("frame_idx", e.Index), zap.Error(err))
			continue
		}
		out = append(out, encodedFrame{index: e.Index, data: buf.Bytes()})
	}
	return out
}

func (p *Pool) worker(id int) {
	defer p.workers.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.tasks:
			p.process(t, id)
			metrics.ClipQueueDepth.Dec()
			p.pending.Done()
		}
	}
}

// process decodes, annotates and muxes one task. Frames are decoded one at
// a time and dropped after writing.
func (p *Pool) process(t *task, workerID int) {
	ctx, span := otel.Tracer("shiftwatch/clip").Start(context.Background(), "clip.Write")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", p.runID),
		attribute.Int("event.id", t.eventID),
		attribute.Int("frames", len(t.frames)),
	)

	log := p.logger.With(zap.Int("worker", workerID), zap.Int("event_id", t.eventID), zap.String("clip_path", t.outPath))
	began := time.Now()

	var (
		mux         Muxer
		written     int
		first, last int
	)
	for _, f := range t.frames {
		img, err := jpeg.Decode(bytes.NewReader(f.data))
		if err != nil {
			log.Warn("failed to decode buffered frame, skipping", zap.Int("frame_idx", f.index), zap.Error(err))
			continue
		}

		if mux == nil {
			b := img.Bounds()
			mux, err = p.muxers.Open(t.outPath, t.fps, b.Dx(), b.Dy())
			if err != nil {
				p.fail(t, span, log, fmt.Errorf("failed to open output: %w", err))
				return
			}
			first = f.index
		}

		annotated := p.annotator.Annotate(img, f.index, t.fps, t.detections[f.index])
		if err := mux.WriteFrame(annotated); err != nil {
			_ = mux.Close()
			os.Remove(t.outPath)
			p.fail(t, span, log, fmt.Errorf("failed to write frame %d: %w", f.index, err))
			return
		}
		written++
		last = f.index
	}

	if mux == nil {
		p.fail(t, span, log, errors.New("no decodable frames"))
		return
	}
	if err := mux.Close(); err != nil {
		os.Remove(t.outPath)
		p.fail(t, span, log, fmt.Errorf("failed to finalize output: %w", err))
		return
	}
	metrics.ClipWriteDuration.Observe(time.Since(began).Seconds())

	result := pipeline.ClipResult{Path: t.outPath, Start: first, End: last, Frames: written}
	ev, saved := p.tracker.MarkSaved(t.eventID, t.generation, result)
	if !saved {
		metrics.ClipTasksTotal.WithLabelValues("superseded").Inc()
		return
	}
	metrics.ClipTasksTotal.WithLabelValues("saved").Inc()
	log.Info("clip saved", zap.Int("frames", written), zap.Int("start", first), zap.Int("end", last))

	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, p.cfg.NotifyTimeout)
	defer cancel()
	p.notifier.Notify(nctx, p.runID, ev)
}

func (p *Pool) fail(t *task, span trace.Span, log *zap.Logger, err error) {
	log.Warn("clip abandoned", zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.ClipTasksTotal.WithLabelValues("failed").Inc()
	p.tracker.MarkFailed(t.eventID, t.generation)
}

// Shutdown stops accepting tasks, waits for the queue to drain, then stops
// the workers and joins them within the configured timeout
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var err error

	drained := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("failed to drain clip queue: %w", ctx.Err())
	}

	close(p.stopCh)

	joined := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(p.cfg.JoinTimeout):
		if err == nil {
			err = ErrJoinTimeout
		}
	}

	if err != nil {
		p.logger.Warn("clip pool shutdown incomplete", zap.Error(err))
	} else {
		p.logger.Debug("clip pool stopped")
	}
	return err
}

// Ensure Pool implements pipeline.ClipQueue
var _ pipeline.ClipQueue = (*Pool)(nil)

// Factory creates one started pool per run
type Factory struct {
	cfg      Config
	muxers   MuxerFactory
	notifier Notifier
	logger   *zap.Logger
}

// NewFactory creates a clip queue factory
func NewFactory(cfg Config, muxers MuxerFactory, notifier Notifier, logger *zap.Logger) *Factory {
	return &Factory{cfg: cfg, muxers: muxers, notifier: notifier, logger: logger}
}

// NewQueue implements pipeline.ClipQueueFactory
func (f *Factory) NewQueue(runID string, tracker pipeline.EventTracker) pipeline.ClipQueue {
	p := NewPool(runID, f.cfg, tracker, f.muxers, f.notifier, f.logger)
	p.Start()
	return p
}

// Ensure Factory implements pipeline.ClipQueueFactory
var _ pipeline.ClipQueueFactory = (*Factory)(nil)
