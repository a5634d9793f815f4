// Package main provides the guideline ingestor entry point. It consumes
// guideline documents from Redpanda and indexes them for retrieval.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/api/handlers"
	"github.com/drfirst/go-cds/internal/api/middleware"
	"github.com/drfirst/go-cds/internal/app"
	"github.com/drfirst/go-cds/internal/config"
	"github.com/drfirst/go-cds/internal/infrastructure/redpanda"
	"github.com/drfirst/go-cds/internal/knowledge/ingest"
	"github.com/drfirst/go-cds/internal/observability/logging"
	"github.com/drfirst/go-cds/internal/observability/metrics"
	"github.com/drfirst/go-cds/internal/observability/tracing"
	"github.com/drfirst/go-cds/pkg/idempotency"
	"github.com/drfirst/go-cds/pkg/workerpool"
)

const (
	serviceName = "guideline-ingestor"
	version     = "1.0.0"

	lagInterval = 30 * time.Second
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

	if !cfg.HasKafka() {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx := context.Background()
	tp, err := tracing.Init(ctx, serviceName, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	a, err := app.BuildIngestion(cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to build ingestion", zap.Error(err))
	}
	if err := a.Index.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure index schema", zap.Error(err))
	}

	runner, err := ingest.NewRunner(a.Ingester(), workerpool.DefaultConfig(), m.ChunksIndexed, logger)
	if err != nil {
		logger.Fatal("runner creation failed", zap.Error(err))
	}
	runner.Start()
	defer runner.Stop()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producerCfg.OnProduced = m.MessageProduced
	deadLetters, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer deadLetters.Close()

	// redelivered documents are skipped when a database is configured
	var inbox *idempotency.Inbox
	if cfg.HasDatabase() {
		if err := a.ConnectDatabase(ctx); err != nil {
			logger.Fatal("failed to connect database", zap.Error(err))
		}
		defer a.Close()
		inbox = a.Inbox
	}

	handler := func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		doc, err := ingest.DecodeDocument(msg.Value)
		var chunks int
		var replayed bool
		if err == nil {
			chunks, replayed, err = ingestOnce(ctx, inbox, runner, doc)
		}
		if err == nil {
			if !replayed {
				audit := ingest.NewAuditRecord(doc, chunks, time.Now())
				if perr := deadLetters.PublishJSON(ctx, redpanda.TopicAuditTrail, doc.Source, audit); perr != nil {
					logger.Warn("audit record not published", zap.String("source", doc.Source), zap.Error(perr))
				}
			}
			return nil
		}
		if errors.Is(err, idempotency.ErrDuplicate) {
			return nil
		}
		if !ingest.IsPermanent(err) {
			// leave uncommitted for redelivery
			return err
		}

		logger.Warn("guideline document rejected",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		body, _ := json.Marshal(map[string]any{
			"original_topic": msg.Topic,
			"error":          err.Error(),
			"payload":        json.RawMessage(msg.Value),
		})
		return deadLetters.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), body)
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.ConsumerGroup
	consumerCfg.OnConsumed = m.MessageConsumed
	consumer, err := redpanda.NewConsumer(consumerCfg, handler, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("guideline ingestor started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", redpanda.TopicGuidelineDocuments))

	lagCtx, stopLag := context.WithCancel(ctx)
	defer stopLag()
	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	go watchLag(lagCtx, admin, cfg.Kafka.ConsumerGroup, m, logger)

	health := handlers.NewHealthHandler(serviceName, version, a.Breakers)
	for name, check := range a.Checks() {
		health.AddCheck(name, check)
	}
	health.AddCheck("redpanda", func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, cfg.Kafka.Brokers)
	})
	health.AddCheck("ingest_queue", runner.Ready)
	health.AddInfo("consumer", func() any { return consumer.Stats() })
	health.AddInfo("producer", func() any { return deadLetters.Stats() })

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
	stopLag()
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

// watchLag exports the consumer group lag until ctx is done
func watchLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GetConsumerGroupLag(ctx, group)
			if err != nil {
				logger.Warn("consumer lag unavailable", zap.String("group", group), zap.Error(err))
				continue
			}
			m.SetConsumerLag(group, redpanda.TopicLag(lag))
		}
	}
}

// ingestOnce indexes doc and reports its chunk count. replayed is set when
// the inbox already holds the result of an earlier delivery.
func ingestOnce(ctx context.Context, inbox *idempotency.Inbox, runner *ingest.Runner, doc ingest.Document) (chunks int, replayed bool, err error) {
	if inbox == nil {
		chunks, err = runner.Ingest(ctx, doc)
		return chunks, false, err
	}
	res, err := inbox.Process(ctx, idempotency.ContentKey(doc.Source, doc.Condition, doc.Content), "guideline.ingest", nil,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			n, err := runner.Ingest(ctx, doc)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]int{"chunks": n})
		})
	if err != nil {
		return 0, false, err
	}
	var out struct {
		Chunks int `json:"chunks"`
	}
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return 0, res.Replayed, fmt.Errorf("decode ingest result: %w", err)
	}
	return out.Chunks, res.Replayed, nil
}
