package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/consent-api/internal/config"
	"github.com/jwalitptl/consent-api/internal/repository/postgres"
	"github.com/jwalitptl/consent-api/internal/worker"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

const healthAddr = ":8081"

func setupHealthCheck(store interface{ Ping(context.Context) error }, appLog *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: healthAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error(err, "health check server failed")
			os.Exit(1)
		}
	}()
	return srv
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	appLog := logger.NewLogger(&logger.Config{
		Level:   logger.ParseLevel(cfg.Log.Level),
		Output:  os.Stdout,
		Console: cfg.Log.Console,
	})
	log.Logger = appLog.Zerolog()

	if cfg.Database.Driver != config.DriverPostgres {
		appLog.Fatal(fmt.Errorf("driver %q", cfg.Database.Driver), "the worker needs the postgres driver")
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLog.Fatal(err, "failed to connect to database")
	}
	store := postgres.NewStore(db)
	defer store.Close()

	m := metrics.NewMetrics("consent_worker", prometheus.DefaultRegisterer)

	processor, closeBroker, err := worker.NewOutboxWorker(cfg, store, m, appLog)
	if err != nil {
		appLog.Fatal(err, "failed to create outbox worker")
	}
	defer closeBroker()

	health := setupHealthCheck(store, appLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLog.Info("shutting down...")
		cancel()
	}()

	processor.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		appLog.Error(err, "health check server shutdown failed")
	}
}
