package engine

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"shiftwatch/internal/clip"
	"shiftwatch/internal/config"
	"shiftwatch/internal/detection"
	"shiftwatch/internal/notify"
	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/report"
	"shiftwatch/internal/source"
	"shiftwatch/internal/storage"
)

// Overrides adjusts the configured settings for a single run.
// Nil pointers and empty strings keep the configured value.
type Overrides struct {
	ConfThreshold   *float64 `json:"conf,omitempty"`
	DetectEvery     *int     `json:"every,omitempty"`
	MergeWindow     *float64 `json:"merge_sec,omitempty"`
	FinalizeDelay   *float64 `json:"finalize_delay,omitempty"`
	SaveImmediately *bool    `json:"save_immediately,omitempty"`
	Workers         *int     `json:"workers,omitempty"`
	WebhookURL      string   `json:"webhook,omitempty"`
}

// Apply returns cfg with the overrides applied
func (o Overrides) Apply(cfg config.Config) config.Config {
	if o.ConfThreshold != nil {
		cfg.Pipeline.ConfThreshold = *o.ConfThreshold
	}
	if o.DetectEvery != nil {
		cfg.Pipeline.DetectEvery = *o.DetectEvery
	}
	if o.MergeWindow != nil {
		cfg.Pipeline.MergeWindow = *o.MergeWindow
	}
	if o.FinalizeDelay != nil {
		cfg.Pipeline.FinalizeDelay = *o.FinalizeDelay
	}
	if o.SaveImmediately != nil {
		cfg.Pipeline.SaveImmediately = *o.SaveImmediately
	}
	if o.Workers != nil {
		cfg.Clips.Workers = *o.Workers
	}
	return cfg
}

// SourceOpener opens the frame source for a video path
type SourceOpener func(ctx context.Context, path string) (pipeline.FrameSource, error)

// Option customizes an Engine
type Option func(*Engine)

// WithDetector uses d for every run instead of building one from the registry
func WithDetector(d pipeline.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithSourceOpener replaces the ffmpeg frame source
func WithSourceOpener(open SourceOpener) Option {
	return func(e *Engine) { e.openSource = open }
}

// WithMuxers replaces the ffmpeg clip muxer
func WithMuxers(m clip.MuxerFactory) Option {
	return func(e *Engine) { e.muxers = m }
}

// WithSinks adds notification sinks to the configured ones
func WithSinks(sinks ...notify.Sink) Option {
	return func(e *Engine) { e.extraSinks = append(e.extraSinks, sinks...) }
}

// Engine wires configuration, detector, notifier and clip writer into
// pipeline runs
type Engine struct {
	cfg        config.Config
	bus        *pipeline.EventBus
	registry   *detection.Registry
	detector   pipeline.Detector
	openSource SourceOpener
	muxers     clip.MuxerFactory
	notifier   *notify.Multi
	extraSinks []notify.Sink
	closers    []func() error
	logger     *zap.Logger
}

// New creates an engine and connects the configured notification sinks.
// A sink that cannot connect is logged and left out.
func New(ctx context.Context, cfg config.Config, bus *pipeline.EventBus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		bus:      bus,
		registry: detection.DefaultRegistry(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.openSource == nil {
		srcOpts := cfg.SourceOptions()
		e.openSource = func(ctx context.Context, path string) (pipeline.FrameSource, error) {
			return source.Open(ctx, path, srcOpts, logger)
		}
	}
	if e.muxers == nil {
		m := clip.NewFFmpegMuxerFactory()
		if cfg.Clips.FFmpeg != "" {
			m.Binary = cfg.Clips.FFmpeg
		}
		if cfg.Clips.Quality > 0 {
			m.Quality = cfg.Clips.Quality
		}
		e.muxers = m
	}

	sinks := e.connectSinks(ctx)
	sinks = append(sinks, e.extraSinks...)
	e.notifier = notify.NewMulti(logger.Named("notifier"), sinks...)

	logger.Info("engine ready",
		zap.String("detector", cfg.Detector.Backend),
		zap.Int("sinks", e.notifier.Len()),
	)
	return e
}

// connectSinks builds sinks in delivery order. The MinIO uploader goes
// last so that it runs after every notification.
func (e *Engine) connectSinks(ctx context.Context) []notify.Sink {
	n := e.cfg.Notify
	var sinks []notify.Sink

	if n.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(n.WebhookURL, n.WebhookTimeout))
	}

	if n.AMQPURL != "" {
		conn, err := amqp.Dial(n.AMQPURL)
		if err != nil {
			e.logger.Error("failed to connect to AMQP broker, sink disabled", zap.Error(err))
		} else {
			sink, err := notify.NewAMQPSink(conn, n.AMQPExchange, n.AMQPRoutingKey)
			if err != nil {
				conn.Close()
				e.logger.Error("failed to create AMQP sink", zap.Error(err))
			} else {
				sinks = append(sinks, sink)
				e.closers = append(e.closers, sink.Close, conn.Close)
			}
		}
	}

	if n.MQTTBroker != "" {
		client, err := notify.ConnectMQTT(n.MQTTBroker, n.MQTTClientID, e.logger)
		if err != nil {
			e.logger.Error("failed to connect to MQTT broker, sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, notify.NewMQTTSink(client, n.MQTTPrefix, n.MQTTQoS))
			e.closers = append(e.closers, disconnectMQTT(client))
		}
	}

	if n.TelegramBotToken != "" {
		sinks = append(sinks, notify.NewTelegramSink(e.cfg.TelegramConfig()))
	}

	if e.cfg.Storage.Endpoint != "" {
		up, err := storage.NewClipUploader(e.cfg.MinIOConfig())
		if err == nil {
			err = up.EnsureBucket(ctx)
		}
		if err != nil {
			e.logger.Error("failed to set up clip storage, upload disabled", zap.Error(err))
		} else {
			sinks = append(sinks, up)
		}
	}
	return sinks
}

func disconnectMQTT(client mqtt.Client) func() error {
	return func() error {
		client.Disconnect(250)
		return nil
	}
}

// Bus returns the event bus runs publish to
func (e *Engine) Bus() *pipeline.EventBus {
	return e.bus
}

// Config returns the engine's base configuration
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Run processes one video into outDir and writes the CSV reports
func (e *Engine) Run(ctx context.Context, videoPath, outDir, runID string, ov Overrides, progress func(frames int)) (*pipeline.Report, error) {
	cfg := ov.Apply(e.cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run settings: %w", err)
	}
	log := e.logger.With(zap.String("run_id", runID))

	detector := e.detector
	if detector == nil {
		d, err := e.registry.New(cfg.DetectionConfig())
		if err != nil {
			return nil, err
		}
		defer d.Close()
		detector = d
	}
	if h, ok := detector.(interface{ Health(context.Context) error }); ok {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := h.Health(hctx); err != nil {
			log.Warn("detector health check failed", zap.Error(err))
		}
		cancel()
	}

	src, err := e.openSource(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open video: %w", err)
	}
	defer src.Close()

	notifier := e.notifier
	if ov.WebhookURL != "" {
		notifier = notifier.With(notify.NewWebhookSink(ov.WebhookURL, cfg.Notify.WebhookTimeout))
	}

	queues := clip.NewFactory(cfg.PoolConfig(), e.muxers, notifier, e.logger)
	driver := pipeline.NewDriver(cfg.Settings(), detector, queues, e.bus, e.logger)

	rep, err := driver.Process(ctx, src, pipeline.RunOptions{
		RunID:    runID,
		OutDir:   outDir,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}

	if err := report.Export(outDir, rep); err != nil {
		return rep, fmt.Errorf("failed to export reports: %w", err)
	}
	log.Info("reports written", zap.String("out_dir", outDir))
	return rep, nil
}

// Close disconnects notification sinks
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
