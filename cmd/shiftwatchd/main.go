package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shiftwatch/internal/api"
	"shiftwatch/internal/auth"
	"shiftwatch/internal/config"
	"shiftwatch/internal/database"
	"shiftwatch/internal/engine"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/task"
	"shiftwatch/internal/tracing"
	"shiftwatch/internal/ws"
)

func main() {
	// Define command line flags. Everything else comes from the config
	// file and environment.
	var (
		hostF     = flag.String("host", "0.0.0.0", "Server host")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides configured server port)")
		configF   = flag.String("config", "", "YAML config file")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	if *configF != "" {
		os.Setenv(config.FileEnv, *configF)
	}
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	logger, err := logging.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer logger.Sync()

	logger.Info("starting shiftwatchd")

	ctx, cancel := context.WithCancel(context.Background())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	for _, dir := range []string{cfg.OutputDir, cfg.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("failed to create directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	// Database and event ledger
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if err := db.Migrate(); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	bus := pipeline.NewEventBus()
	ledger := database.NewLedger(db, logger)
	bus.Subscribe(ledger)

	authn, err := auth.NewAuthenticator(cfg.AuthConfig())
	if err != nil {
		logger.Fatal("failed to set up authentication", zap.Error(err))
	}

	// Processing core and admin services
	eng := engine.New(ctx, cfg, bus, logger)
	tasks := task.NewManager(cfg.OutputDir, cfg.Server.MaxTasks, db, logger)
	hub := ws.NewHub(bus, logger)

	apiServer := api.New(api.Config{
		UploadDir: cfg.UploadDir,
		OutputDir: cfg.OutputDir,
	}, eng, tasks, db, authn, ws.NewHandler(hub, tasks, logger), logger)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	port := strconv.Itoa(cfg.Server.Port)
	if *httpPortF != "" {
		port = *httpPortF
	}

	var wg sync.WaitGroup
	handleHTTPServer(ctx, net.JoinHostPort(*hostF, port), apiServer, &wg, errc, logger, *dbgF)

	// Wait for signal.
	logger.Info("exiting", zap.Any("reason", <-errc))

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tasks did not stop cleanly", zap.Error(err))
	}
	hub.Close()
	bus.Close()
	if err := eng.Close(); err != nil {
		logger.Warn("failed to close notification sinks", zap.Error(err))
	}
	ledger.Close()
	if err := db.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
	shutdownTracing(shutdownCtx)

	logger.Info("exited")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}
