// mediafetch-service is the HTTP API server for media fetch jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediafetch/internal/admission"
	"mediafetch/internal/api"
	"mediafetch/internal/cleanup"
	"mediafetch/internal/config"
	"mediafetch/internal/dispatcher"
	"mediafetch/internal/extractor/ytdlp"
	"mediafetch/internal/health"
	"mediafetch/internal/job"
	"mediafetch/internal/observability"
	"mediafetch/internal/orchestrator"
	"mediafetch/internal/progress"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	extr := ytdlp.New(svcCfg.FFmpegPath)
	if err := extr.Available(ctx); err != nil {
		slog.Warn("Extractor toolchain not fully available", "error", err)
	}

	admissionCtrl := admission.New(svcCfg.MaxConcurrent, svcCfg.AcquireWait, svcCfg.LeaseTTL)
	defer admissionCtrl.Close()

	cleanupSched := cleanup.NewScheduler()
	defer cleanupSched.Close()

	if err := os.MkdirAll(svcCfg.TempRoot, 0o755); err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		TempRoot:     svcCfg.TempRoot,
		SuccessGrace: svcCfg.SuccessGrace,
		FailureGrace: svcCfg.FailureGrace,
	}, orchestrator.Deps{
		Store:      job.NewStore(),
		Bus:        progress.NewBus(progress.DefaultBufferSize),
		Admission:  admissionCtrl,
		Cleanup:    cleanupSched,
		Extractor:  extr,
		Dispatcher: eventDispatcher,
		Metrics:    metrics,
	})

	healthChecker := health.NewChecker(orch)

	router := api.NewRouter(api.RouterConfig{
		Service:           orch,
		Metrics:           metrics,
		HealthChecker:     healthChecker,
		APIKey:            svcCfg.APIKey,
		StreamIdleTimeout: svcCfg.StreamIdleTimeout,
		SubmitRate:        svcCfg.SubmitRate,
		TrustProxyHeader:  svcCfg.TrustProxyHeader,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: progress streams stay open for the life of a job.
		IdleTimeout: 60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: fail readiness so load balancers stop sending traffic.
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting connections, finish in-flight requests.
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: abort in-flight fetches and wait for worker bookkeeping.
	slog.Info("Stopping workers")
	workerCtx, workerCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer workerCancel()
	if err := orch.Close(workerCtx); err != nil {
		slog.Warn("Worker shutdown incomplete", "error", err)
	}

	// Phase 4: drain the callback dispatcher.
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
