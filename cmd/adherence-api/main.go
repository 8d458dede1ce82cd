// Package main provides the adherence API service entry point.
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
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/dosing"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/schedule"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

const (
	serviceName = "adherence-api"
	lagInterval = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Medication adherence API",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.NewMigrator(pool, logger).Up(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

// stores groups the repositories for one storage backend
type stores struct {
	doses dose.Repository
	meds  medication.Repository
	prefs schedule.PreferenceSource
	conns access.ConnectionSource
	inbox idempotency.Processor
	ready func(ctx context.Context) error
	close func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		return &stores{
			doses: memory.NewDoseRepo(),
			meds:  memory.NewMedicationRepo(),
			prefs: memory.NewPreferenceRepo(),
			conns: memory.NewConnectionRepo(),
			inbox: idempotency.NewMemoryInbox(idempotency.DefaultConfig().TTL),
			close: func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()

	return &stores{
		doses: postgres.NewDoseRepo(pool, logger),
		meds:  postgres.NewMedicationRepo(pool, logger),
		prefs: postgres.NewPreferenceRepo(pool),
		conns: postgres.NewConnectionRepo(pool),
		inbox: inbox,
		ready: pool.Ping,
		close: func() {
			inbox.Stop()
			pool.Close()
		},
	}, nil
}

func runServer(cfg *config.Config) error {
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	loc := cfg.Location()
	cacheCfg := adherence.DefaultCacheConfig()
	cacheCfg.TTL = cfg.CacheTTL
	cacheCfg.Size = cfg.CacheSize
	stats := adherence.NewAggregator(st.doses, adherence.NewLRUCache(cacheCfg), loc, m, logger)

	resolver := schedule.NewResolver(st.prefs, loc, logger)
	svcCfg := dosing.DefaultConfig()
	svcCfg.SyncMaxLateness = cfg.SyncMaxLateness
	svc := dosing.NewService(svcCfg, st.doses, st.meds, schedule.NewGenerator(resolver, logger), stats, m, logger)
	svc.SetInbox(st.inbox)

	ready := st.ready

	// Other replicas learn about dose changes through the lifecycle topic
	if brokers := cfg.Brokers(); len(brokers) > 0 && cfg.Storage == config.StoragePostgres {
		ccfg := redpanda.DefaultConsumerConfig()
		ccfg.Brokers = brokers
		ccfg.GroupID = cfg.KafkaGroup
		ccfg.Topics = []string{redpanda.TopicDoseLifecycle}
		consumer, err := redpanda.NewConsumer(ccfg, redpanda.LifecycleHandler(stats.HandleLifecycleEvent), m, logger)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		consumer.Start()
		defer func() {
			if err := consumer.Stop(); err != nil {
				logger.Warn("consumer stop failed", zap.Error(err))
			}
			cs := consumer.Stats()
			logger.Info("lifecycle consumer stopped",
				zap.Int64("messages_read", cs.MessagesRead),
				zap.Int64("errors", cs.ErrorCount))
		}()

		admin, err := redpanda.NewAdmin(brokers, logger)
		if err != nil {
			return fmt.Errorf("create admin client: %w", err)
		}
		defer admin.Close()
		go admin.ReportLag(ctx, cfg.KafkaGroup, lagInterval, m)

		ready = api.ReadyChecks(st.ready, func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, brokers)
		})
	}

	handler := api.NewRouter(api.Deps{
		Service: svc,
		Stats:   stats,
		Checker: access.NewChecker(st.conns, logger),
		APIKeys: cfg.APIKeys(),
		Ready:   ready,
		Metrics: metrics.Handler(),
		Logger:  logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting adherence API",
			zap.String("port", cfg.Port),
			zap.String("storage", cfg.Storage),
			zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
