package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezwanahmedsami/taskgrid/internal/config"
	"github.com/rezwanahmedsami/taskgrid/internal/engine"
	"github.com/rezwanahmedsami/taskgrid/internal/events"
	"github.com/rezwanahmedsami/taskgrid/internal/metrics"
	"github.com/rezwanahmedsami/taskgrid/internal/platform/logger"
	"github.com/rezwanahmedsami/taskgrid/internal/worker"
)

// application holds the wired dependencies of the daemon.
type application struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *engine.Engine
	registry *bodyRegistry
	promReg  *prometheus.Registry
}

// run wires configuration, logging, the engine, and the HTTP server,
// then blocks until a termination signal arrives.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server)

	eng, err := buildEngine(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	app := &application{
		cfg:      cfg,
		logger:   log,
		engine:   eng,
		registry: newBodyRegistry(),
		promReg:  prometheus.NewRegistry(),
	}
	registerBuiltins(app.registry)

	app.promReg.MustRegister(
		metrics.NewCollector(eng),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down on signal", "signal", sig.String())
	case err := <-errCh:
		log.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	report, err := eng.Stop(true, 10*time.Second)
	if err != nil {
		return fmt.Errorf("engine stop failed: %w", err)
	}
	if report.Abandoned > 0 {
		log.Warn("tasks abandoned during shutdown", "abandoned", report.Abandoned)
	}
	return eng.Destroy()
}

// buildEngine maps the loaded configuration onto the engine's own
// config type and attaches the lifecycle event emitter.
func buildEngine(cfg *config.Config, log *slog.Logger) (*engine.Engine, error) {
	emitter := events.NewInMemoryEventEmitter(log)
	return engine.New(engine.Config{
		InitialWorkers:   cfg.Engine.InitialWorkers,
		MinWorkers:       cfg.Engine.MinWorkers,
		MaxWorkers:       cfg.Engine.MaxWorkers,
		QueueCapacity:    cfg.Engine.QueueCapacity,
		AutoScale:        cfg.Engine.AutoScale,
		MemoryPoolSizeMB: cfg.Engine.MemoryPoolSizeMB,
		MaxPayloadBytes:  cfg.Engine.MaxPayloadBytes,
		RetryBaseBackoff: time.Duration(cfg.Engine.RetryBaseBackoffMs) * time.Millisecond,
		RetryMaxBackoff:  time.Duration(cfg.Engine.RetryMaxBackoffMs) * time.Millisecond,
		IdleBackoffMax:   time.Duration(cfg.Engine.IdleBackoffMaxMs) * time.Millisecond,
		Scaler: worker.ScalerConfig{
			Interval:       time.Duration(cfg.Scaler.IntervalMs) * time.Millisecond,
			HighWater:      cfg.Scaler.HighWater,
			LowUtilization: cfg.Scaler.LowUtilization,
			LowStreak:      cfg.Scaler.LowStreak,
		},
	}, log, engine.WithEventEmitter(emitter))
}

// metricsHandler serves the Prometheus registry.
func (app *application) metricsHandler() http.Handler {
	return promhttp.HandlerFor(app.promReg, promhttp.HandlerOpts{})
}
