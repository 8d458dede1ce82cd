// Package main provides the missed-dose sweeper entry point.
// Marks DUE dose events past their grace period as MISSED.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/schedule"
	"github.com/drfirst/go-adherence/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Storage != config.StoragePostgres {
		logger.Fatal("the sweeper needs STORAGE=postgres", zap.String("storage", cfg.Storage))
	}

	ctx := context.Background()

	tcfg := tracing.DefaultConfig("dose-sweeper")
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)
	resolver := schedule.NewResolver(postgres.NewPreferenceRepo(pool), cfg.Location(), logger)

	// API replicas evict their caches from the lifecycle events the repository
	// writes to the outbox, so no local invalidator is needed here.
	sweeper, err := sweep.New(sweep.Config{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
		Workers:   cfg.SweepWorkers,
	}, postgres.NewDoseRepo(pool, logger), resolver, nil, m, logger)
	if err != nil {
		logger.Fatal("sweeper creation failed", zap.Error(err))
	}
	sweeper.Start()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !sweeper.Healthy() {
			http.Error(w, "worker pool saturated", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(sctx)
	sweeper.Stop()
	logger.Info("dose sweeper stopped")
}
