// Command server runs the embedbatch auto-batching embedding proxy.
//
// # Usage
//
//	server --inference-url http://127.0.0.1:8000/embed --port 3000
//
// # Configuration
//
// The server can be configured via:
//   - Command-line flags
//   - Environment variables (EMBEDBATCH_*)
//   - An optional YAML overlay file (--config) for a narrow subset of
//     settings
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilot-net/embedbatch/internal/api"
	"github.com/pilot-net/embedbatch/internal/config"
	"github.com/pilot-net/embedbatch/internal/diagnostics"
	"github.com/pilot-net/embedbatch/internal/dispatcher"
	"github.com/pilot-net/embedbatch/internal/gateway"
	"github.com/pilot-net/embedbatch/internal/inference"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "embedbatch:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	inferenceClient := inference.New(inference.Config{
		URL:          cfg.InferenceURL,
		Timeout:      cfg.InferenceTimeoutSecs,
		RateLimitRPS: cfg.InferenceRateLimitRPS,
	})

	disp := dispatcher.New(dispatcher.Config{
		MaxBatchSize:       cfg.MaxBatchSize,
		MaxInferenceInputs: cfg.MaxInferenceInputs,
		MaxWaitTime:        cfg.MaxWaitTime,
		BatchCheckInterval: cfg.BatchCheckInterval,
		IncludeBatchInfo:   cfg.IncludeBatchInfo,
	}, inferenceClient, logger)

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go disp.Run(dispatcherCtx)

	gw := gateway.New(disp, cfg.MaxWaitTime)
	stats := diagnostics.NewCollector(disp)
	apiServer := api.NewServer(gw, stats, cfg.MaxInferenceInputs, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.MaxWaitTime + cfg.InferenceTimeoutSecs + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server",
			"port", cfg.Port,
			"inference_url", cfg.InferenceURL,
			"max_batch_size", cfg.MaxBatchSize,
			"max_wait_time", cfg.MaxWaitTime,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	stopDispatcher()

	logger.Info("shutdown complete")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
