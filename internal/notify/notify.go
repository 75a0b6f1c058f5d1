package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"shiftwatch/internal/metrics"
	"shiftwatch/internal/pipeline"
)

// ErrSuppressed is returned by sinks that deliberately skipped a summary
var ErrSuppressed = errors.New("notification suppressed")

// Summary is the compact payload sent for every saved clip
type Summary struct {
	EventID       int      `json:"event_id"`
	ClassNames    []string `json:"class_names"`
	AvgConf       *float64 `json:"avg_conf"`
	TimeSec       float64  `json:"time_s"`
	WallTimeFirst string   `json:"wall_time_first"`
	ClipPath      string   `json:"clip_path"`
	RunID         string   `json:"run_id,omitempty"`
}

// NewSummary builds the payload for a saved event
func NewSummary(runID string, ev pipeline.ViolationEvent) Summary {
	s := Summary{
		EventID:    ev.ID,
		ClassNames: ev.Classes,
		TimeSec:    ev.TimeSec,
		ClipPath:   ev.ClipPath,
		RunID:      runID,
	}
	if mean, ok := ev.MeanConfidence(); ok {
		s.AvgConf = &mean
	}
	if !ev.WallTimeFirst.IsZero() {
		s.WallTimeFirst = ev.WallTimeFirst.UTC().Format(time.RFC3339Nano)
	}
	return s
}

// Sink delivers summaries to one destination
type Sink interface {
	Name() string
	Send(ctx context.Context, s Summary) error
}

// Multi fans a saved clip out to every configured sink.
// Failures are logged and counted, never returned or retried.
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMulti creates a notifier over sinks. Nil sinks are ignored.
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multi{logger: logger.Named("notifier")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// With returns a notifier with extra sinks appended
func (m *Multi) With(sinks ...Sink) *Multi {
	out := &Multi{logger: m.logger, sinks: append([]Sink(nil), m.sinks...)}
	for _, s := range sinks {
		if s != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

// Len returns the number of sinks
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Notify sends the event summary to every sink concurrently and returns once
// all of them finished. Each sink gets the whole of ctx's deadline.
func (m *Multi) Notify(ctx context.Context, runID string, ev pipeline.ViolationEvent) {
	if len(m.sinks) == 0 {
		return
	}

	ctx, span := otel.Tracer("shiftwatch/notify").Start(ctx, "notify.Send")
	defer span.End()
	span.SetAttributes(attribute.Int("event.id", ev.ID), attribute.Int("sinks", len(m.sinks)))

	summary := NewSummary(runID, ev)
	var wg sync.WaitGroup
	for _, sink := range m.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			m.send(ctx, span, sink, summary)
		}(sink)
	}
	wg.Wait()
}

func (m *Multi) send(ctx context.Context, span trace.Span, sink Sink, summary Summary) {
	err := sink.Send(ctx, summary)
	switch {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "sent").Inc()
		m.logger.Debug("notification sent", zap.String("sink", sink.Name()), zap.Int("event_id", summary.EventID))
	case errors.Is(err, ErrSuppressed):
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "suppressed").Inc()
		m.logger.Debug("notification suppressed", zap.String("sink", sink.Name()), zap.Int("event_id", summary.EventID))
	default:
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "failed").Inc()
		span.RecordError(err)
		m.logger.Warn("notification failed",
			zap.String("sink", sink.Name()),
			zap.Int("event_id", summary.EventID),
			zap.Error(err),
		)
	}
}
