// Package main provides the outbox relay service entry point.
// Publishes dose lifecycle events written by the repositories to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
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

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)

	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	actx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(actx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	cancel()
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	cbCfg := circuitbreaker.DefaultConfig("redpanda-producer")
	cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(cbCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	outbox := postgres.NewOutbox(pool, &guardedPublisher{producer: producer, breaker: breaker},
		postgres.DefaultOutboxConfig(), m, logger)
	outbox.Start()
	logger.Info("outbox relay started")

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := producer.Ping(pctx); err != nil {
			logger.Warn("broker ping failed", zap.Error(err))
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
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
	outbox.Stop()

	ps, counts := producer.Stats(), breaker.Counts()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", ps.MessagesSent),
		zap.Int64("bytes_sent", ps.BytesSent),
		zap.Int64("publish_errors", ps.ErrorCount),
		zap.String("breaker", breaker.Name()),
		zap.String("breaker_state", string(breaker.State())),
		zap.Uint32("breaker_consecutive_failures", counts.ConsecutiveFailures))
}

// guardedPublisher sends through the circuit breaker so an unavailable
// broker fails fast and leaves entries pending in the outbox
type guardedPublisher struct {
	producer *redpanda.Producer
	breaker  *circuitbreaker.CircuitBreaker
}

func (p *guardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.producer.Publish(ctx, topic, key, value)
	})
}
