package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"

	"shiftwatch/internal/api"
)

// handleHTTPServer configures and starts an HTTP server on addr. It shuts
// down the server when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, apiServer *api.Server, wg *sync.WaitGroup, errc chan error, logger *zap.Logger, debug bool) {
	// Build the HTTP request multiplexer and mount the API routes.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		apiServer.Mount(mux)
	}

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the routes.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = apiServer.Wrap(handler)
	}

	// Request bodies carry video uploads, so only the header read is bounded.
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down HTTP server", zap.String("addr", addr))

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown", zap.Error(err))
		}
	}()
}
