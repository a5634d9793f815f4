// Package main provides the outbox relay entry point. It publishes session
// events written by the API to Redpanda.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/api/handlers"
	"github.com/drfirst/go-cds/internal/api/middleware"
	"github.com/drfirst/go-cds/internal/config"
	"github.com/drfirst/go-cds/internal/infrastructure/postgres"
	"github.com/drfirst/go-cds/internal/infrastructure/redpanda"
	"github.com/drfirst/go-cds/internal/observability/logging"
	"github.com/drfirst/go-cds/internal/observability/metrics"
	"github.com/drfirst/go-cds/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(serviceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if !cfg.HasDatabase() || !cfg.HasKafka() {
		logger.Fatal("DATABASE_URL and KAFKA_BROKERS are required")
	}

	ctx := context.Background()
	tp, err := tracing.Init(ctx, serviceName, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if _, err := postgres.Migrate(ctx, pool, logger.Named("migrate")); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(ensureCtx); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}
	cancel()
	admin.Close()

	m := metrics.New(nil)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producerCfg.OnProduced = m.MessageProduced
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outboxCfg.OnPending = m.SetOutboxPending
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)
	outbox.Start()

	health := handlers.NewHealthHandler(serviceName, version, nil).
		AddCheck("database", pool.Ping).
		AddCheck("redpanda", func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, cfg.Kafka.Brokers)
		}).
		AddInfo("producer", func() any { return producer.Stats() })

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}
