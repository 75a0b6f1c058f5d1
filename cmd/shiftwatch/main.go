package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftwatch/internal/config"
	"shiftwatch/internal/engine"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/tracing"
)

// options holds the command line. Flags left unset keep the configured
// value.
type options struct {
	video       string
	out         string
	configPath  string
	detector    string
	endpoint    string
	model       string
	metricsPort int
	ov          engine.Overrides
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("shiftwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		videoF    = fs.String("video", "", "Input video file (required)")
		outF      = fs.String("out", "", "Output directory (overrides configured output_dir)")
		configF   = fs.String("config", "", "YAML config file")
		detF      = fs.String("detector", "", "Detector backend (yolo, grpc)")
		endpointF = fs.String("endpoint", "", "Detector service endpoint")
		modelF    = fs.String("model", "", "Model name passed to the detector service")
		metricsF  = fs.Int("metrics-port", 0, "Serve Prometheus metrics on this port")

		confF     = fs.Float64("conf", 0, "Confidence threshold")
		everyF    = fs.Int("every", 0, "Run detection every N frames")
		mergeF    = fs.Float64("merge-sec", 0, "Merge window in seconds")
		finalizeF = fs.Float64("finalize-delay", 0, "Seconds without updates before an event is finalized")
		saveF     = fs.Bool("save-immediately", false, "Enqueue clips as soon as an event is created")
		workersF  = fs.Int("workers", 0, "Clip writer workers")
		webhookF  = fs.String("webhook", "", "Webhook URL for event summaries")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	o := &options{
		video:       *videoF,
		out:         *outF,
		configPath:  *configF,
		detector:    *detF,
		endpoint:    *endpointF,
		model:       *modelF,
		metricsPort: *metricsF,
	}
	if set["conf"] {
		o.ov.ConfThreshold = confF
	}
	if set["every"] {
		o.ov.DetectEvery = everyF
	}
	if set["merge-sec"] {
		o.ov.MergeWindow = mergeF
	}
	if set["finalize-delay"] {
		o.ov.FinalizeDelay = finalizeF
	}
	if set["save-immediately"] {
		o.ov.SaveImmediately = saveF
	}
	if set["workers"] {
		o.ov.Workers = workersF
	}
	o.ov.WebhookURL = *webhookF

	if o.video == "" {
		return nil, errors.New("-video is required")
	}
	return o, nil
}

// apply copies the process-wide flags into cfg
func (o *options) apply(cfg *config.Config) {
	if o.out != "" {
		cfg.OutputDir = o.out
	}
	if o.detector != "" {
		cfg.Detector.Backend = o.detector
	}
	if o.endpoint != "" {
		cfg.Detector.Endpoint = o.endpoint
	}
	if o.model != "" {
		cfg.Detector.Model = o.model
	}
	if o.metricsPort > 0 {
		cfg.Server.MetricsPort = o.metricsPort
	}
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.configPath != "" {
		os.Setenv(config.FileEnv, opts.configPath)
	}

	cfg, err := config.Load()
	fatalOnErr(err, "load config")
	opts.apply(&cfg)

	log, err := logging.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	if cfg.Server.MetricsPort > 0 {
		srv := metrics.StartServer(cfg.Server.MetricsPort, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	runID := "run_" + uuid.NewString()
	bus := pipeline.NewEventBus()
	bus.SubscribeRun(runID, pipeline.EventUpdateFunc(func(u pipeline.EventUpdate) {
		log.Debug("event update",
			zap.Int("event_id", u.Event.ID),
			zap.String("kind", string(u.Kind)),
			zap.String("status", u.Event.Status.String()),
		)
	}))

	eng := engine.New(ctx, cfg, bus, log)
	defer eng.Close()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		log.Fatal("failed to create output directory", zap.Error(err))
	}

	start := time.Now()
	rep, err := eng.Run(ctx, opts.video, cfg.OutputDir, runID, opts.ov, nil)
	if err != nil {
		log.Error("processing failed", zap.String("video", opts.video), zap.Error(err))
		if rep == nil {
			os.Exit(1)
		}
	}

	printSummary(os.Stdout, rep, time.Since(start))
	if err != nil {
		os.Exit(1)
	}
}

func printSummary(w io.Writer, rep *pipeline.Report, elapsed time.Duration) {
	fmt.Fprintf(w, "run %s: %d frames at %.1f fps in %s\n", rep.RunID, rep.Frames, rep.FPS, elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "detections: %d  events: %d  clips saved: %d\n", len(rep.Detections), len(rep.Events), rep.SavedCount())
	fmt.Fprintf(w, "reports: %s\n", rep.OutDir)
	if len(rep.Events) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tFRAME\tCLASSES\tSTATUS\tCLIP")
	for _, ev := range rep.Events {
		fmt.Fprintf(tw, "%d\t%.1fs\t%d\t%s\t%s\t%s\n",
			ev.ID, ev.TimeSec, ev.FrameIndex, strings.Join(ev.Classes, ","), ev.Status, ev.ClipPath)
	}
	tw.Flush()
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}
