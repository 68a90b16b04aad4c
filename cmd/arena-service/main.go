// arena-service runs the competition job API and its reconciler in a single
// process sharing one embedded ledger.
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

	"golang.org/x/sync/errgroup"

	"arena/internal/api"
	"arena/internal/artifact"
	"arena/internal/config"
	"arena/internal/health"
	"arena/internal/job"
	"arena/internal/ledger"
	"arena/internal/observability"
	"arena/internal/platform/docker"
	"arena/internal/reconcile"
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

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	ctrlCfg := config.LoadControllerConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the job ledger
	store, err := ledger.Open(svcCfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("Ledger opened", "path", svcCfg.LedgerPath)

	// Connect to the execution platform
	pf, err := docker.NewPlatform(docker.Config{
		ArtifactRoot:    svcCfg.ArtifactRoot,
		LimitMultiplier: ctrlCfg.LimitMultiplier,
		DefaultCPULimit: ctrlCfg.DefaultCPULimit,
		DefaultMemLimit: ctrlCfg.DefaultMemLimit,
	})
	if err != nil {
		return err
	}
	defer pf.Close()
	slog.Info("Connected to Docker daemon")

	artifacts := artifact.NewStore(svcCfg.ArtifactRoot)

	// Create health checker
	healthChecker := health.NewChecker(pf, store)

	// Create job service
	jobService := job.NewService(store, pf, artifacts, metrics)

	// Assemble the reconciler
	creator := reconcile.NewCreator(store, pf, metrics, reconcile.CreatorConfig{
		SolverImage:     ctrlCfg.SolverImage,
		DeadlineSeconds: ctrlCfg.DeadlineSeconds,
		PendingBatch:    ctrlCfg.PendingBatch,
	})
	extractor := reconcile.NewExtractor(store, artifacts, metrics)
	synchronizer := reconcile.NewSynchronizer(store, pf, extractor, metrics)
	cleaner := reconcile.NewCleaner(store, pf, metrics, ctrlCfg.Retention)
	loop := reconcile.NewLoop(creator, synchronizer, cleaner, store, metrics, reconcile.LoopConfig{
		TickInterval:    ctrlCfg.TickInterval,
		CleanEveryTicks: ctrlCfg.CleanEveryTicks,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return loop.Run(loopCtx)
	})

	// shutdown closes both servers gracefully
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

	// Wait for interrupt signal or component failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	componentErr := make(chan error, 1)
	go func() { componentErr <- g.Wait() }()

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-componentErr:
		if err != nil {
			slog.Error("Component failed", "error", err)
			stopLoop()
			shutdown(5 * time.Second)
			return err
		}
	case <-gCtx.Done():
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the reconciler; an in-flight pass finishes first
	stopLoop()
	if err := g.Wait(); err != nil {
		slog.Warn("Shutdown error", "error", err)
	}

	// Execution units keep running on the platform; the reconciler picks
	// their state back up on the next start.
	slog.Info("Shutdown complete")
	return nil
}
