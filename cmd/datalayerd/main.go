// Package main implements datalayerd, the ops daemon for the data layer.
// It is the composition root: it constructs the connection manager, circuit
// breaker registry and health checker once at startup, exposes health and
// metrics endpoints, and owns graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/ProcureFlow/data_layer/internal/app/metrics"
	"github.com/ProcureFlow/data_layer/internal/config"
	"github.com/ProcureFlow/data_layer/internal/database"
	"github.com/ProcureFlow/data_layer/internal/resilience"
	"github.com/ProcureFlow/data_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/datalayer.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.NewDefault("datalayerd").Fatal("invalid configuration", "config", *configPath, "error", err)
	}

	log, err := logger.New("datalayerd", cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		logger.NewDefault("datalayerd").Fatal("invalid logging configuration", "error", err)
	}
	defer func() { _ = log.Sync() }()

	manager := database.NewManager(cfg.Database, log)
	if err := manager.Initialize(context.Background()); err != nil {
		log.Fatal("database initialization failed", "error", err)
	}

	registry := resilience.NewRegistry(log)
	breakerOpts := &resilience.Options{
		Threshold:   cfg.Breaker.Threshold,
		Timeout:     cfg.Breaker.Timeout.Std(),
		ErrorWindow: cfg.Breaker.ErrorWindow.Std(),
	}
	registry.GetBreaker("postgres", breakerOpts)

	checker := resilience.NewHealthChecker(registry, log, cfg.Health.Interval.Std(), cfg.Health.ProbeTimeout.Std())
	checker.Register("postgres", manager.TestConnection)
	checker.Start()

	// Snapshot pool gauges on a schedule so scrapes see fresh numbers even
	// when no transactions are flowing.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		metrics.SetPoolStats(manager.Stats().Pool)
	}); err != nil {
		log.Fatal("failed to schedule pool stats snapshot", "error", err)
	}
	scheduler.Start()

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthzHandler(manager, registry, checker)).Methods(http.MethodGet)
	router.HandleFunc("/statsz", statszHandler(manager)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("ops server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("ops server failed", "error", err)
		}
	}()

	// Shutdown is driven here, by the process lifecycle, not inside the
	// library components.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown failed", "error", err)
	}
	scheduler.Stop()
	checker.Stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("database shutdown failed", "error", err)
	}
	log.Info("shutdown complete")
}

func healthzHandler(manager *database.Manager, registry *resilience.Registry, checker *resilience.HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Ready     bool                        `json:"ready"`
			Resources map[string]bool             `json:"resources"`
			Breakers  map[string]resilience.Stats `json:"breakers"`
		}{
			Ready:     manager.IsReady(),
			Resources: checker.Healthy(),
			Breakers:  registry.GetAllStats(),
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}

func statszHandler(manager *database.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(manager.Stats())
	}
}
