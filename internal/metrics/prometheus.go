package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_frames_processed_total",
		Help: "Total number of frames read by the pipeline driver",
	})

	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_detections_total",
		Help: "Detections kept after the confidence filter, by class",
	}, []string{"class"})

	DetectorErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_detector_errors_total",
		Help: "Detector calls that returned an error",
	})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_events_total",
		Help: "Violation event registrations, by outcome (created or merged)",
	}, []string{"kind"})

	ClipTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_clip_tasks_total",
		Help: "Clip tasks by result",
	}, []string{"result"})

	ClipQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftwatch_clip_queue_depth",
		Help: "Clip tasks submitted and not yet finished",
	})

	ClipWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shiftwatch_clip_write_duration_seconds",
		Help:    "Time spent decoding, annotating and muxing one clip",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_notifications_total",
		Help: "Outbound notifications by sink and status",
	}, []string{"sink", "status"})

	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_tasks_total",
		Help: "Processing tasks by terminal status",
	}, []string{"status"})

	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftwatch_active_tasks",
		Help: "Processing tasks currently running",
	})
)
