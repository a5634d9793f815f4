// Package app assembles the decision-support components from configuration.
// Every binary builds its dependencies through here so they share one
// wiring of breakers, metrics and stores.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/config"
	"github.com/drfirst/go-cds/internal/fhir"
	"github.com/drfirst/go-cds/internal/grading"
	"github.com/drfirst/go-cds/internal/infrastructure/postgres"
	"github.com/drfirst/go-cds/internal/infrastructure/redpanda"
	"github.com/drfirst/go-cds/internal/knowledge"
	"github.com/drfirst/go-cds/internal/knowledge/ingest"
	"github.com/drfirst/go-cds/internal/llm"
	"github.com/drfirst/go-cds/internal/observability/metrics"
	"github.com/drfirst/go-cds/internal/orchestrator"
	"github.com/drfirst/go-cds/internal/reasoning"
	"github.com/drfirst/go-cds/internal/records"
	"github.com/drfirst/go-cds/internal/session"
	"github.com/drfirst/go-cds/internal/tools"
	"github.com/drfirst/go-cds/internal/triage"
	"github.com/drfirst/go-cds/pkg/circuitbreaker"
	"github.com/drfirst/go-cds/pkg/idempotency"
)

// Breaker names, one per upstream
const (
	BreakerFHIR       = "fhir"
	BreakerWeaviate   = "weaviate"
	BreakerLLM        = "openai"
	BreakerEmbeddings = "openai-embeddings"
	BreakerRxNav      = "rxnav"
)

// App holds the assembled components
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Breakers *circuitbreaker.Manager

	LLM      llm.Client
	Embedder knowledge.Embedder
	Index    *knowledge.WeaviateIndex
	Records  *records.Gateway
	Tools    *tools.Registry

	Orchestrator *orchestrator.Orchestrator
	Manager      *orchestrator.Manager
	Store        session.Store

	// DB and Inbox are nil unless DATABASE_URL is set
	DB    *pgxpool.Pool
	Inbox *idempotency.Inbox
}

// Build connects the components. m may be nil.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: m}

	a.Breakers = circuitbreaker.NewManager(func(name string) circuitbreaker.Config {
		c := circuitbreaker.DefaultConfig(name)
		c.OnStateChange = m.SetBreakerState
		return c
	}, logger)

	llmClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, a.breaker(BreakerLLM), logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("language client: %w", err)
	}
	a.LLM = llmClient

	if err := a.buildIndex(); err != nil {
		return nil, err
	}

	store := fhir.NewClient(cfg.FHIR.BaseURL, cfg.FHIR.Timeout, a.breaker(BreakerFHIR), logger.Named("fhir"))
	a.Records = records.NewGateway(store, records.Config{SectionTimeout: cfg.FHIR.Timeout}, logger.Named("records"))

	rxnav := tools.NewRxNav(tools.RxNavConfig{
		BaseURL:        cfg.RxNav.BaseURL,
		Timeout:        cfg.RxNav.Timeout,
		RequestsPerSec: cfg.RxNav.RequestsPerSec,
	}, a.breaker(BreakerRxNav), logger.Named("rxnav"))
	a.Tools = tools.Builtin(rxnav, a.LLM, a.Records, logger.Named("tools"))

	a.Orchestrator, err = orchestrator.New(orchestrator.DefaultGraph(), orchestrator.Dependencies{
		Classifier: triage.NewClassifier(a.LLM, logger.Named("triage")),
		Records:    a.Records,
		Retriever: knowledge.NewRetriever(
			knowledge.NewFormulator(a.LLM, logger.Named("formulator")),
			a.Index, cfg.Orchestrator.SearchLimit, logger.Named("retriever")),
		Grader:     grading.NewGrader(a.LLM, logger.Named("grader")),
		Reasoner:   reasoning.NewEngine(a.LLM, logger.Named("reasoning")),
		Dispatcher: tools.NewDispatcher(a.Tools, cfg.Orchestrator.ToolTimeout, m.ObserveTool, logger.Named("dispatcher")),
		ToolSpecs:  a.Tools.Specs(),
	}, orchestrator.Config{
		MaxToolRounds: cfg.Orchestrator.MaxToolRounds,
		AnswerReserve: cfg.LLM.Timeout,
	}, m, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	if cfg.HasDatabase() {
		if err := a.ConnectDatabase(ctx); err != nil {
			return nil, err
		}
		a.Store = session.NewPostgresStore(a.DB, redpanda.TopicForEvent, logger.Named("sessions"))
		logger.Info("durable sessions enabled")
	} else {
		a.Store = session.NewMemoryStore()
		logger.Info("sessions kept in memory for the process lifetime")
	}

	a.Manager = orchestrator.NewManager(a.Orchestrator, a.Store, orchestrator.ManagerConfig{
		CycleTimeout: cfg.Orchestrator.CycleTimeout,
		MaxPending:   orchestrator.DefaultManagerConfig().MaxPending,
	}, m, logger.Named("sessions"))

	return a, nil
}

// BuildIngestion connects only what guideline ingestion needs
func BuildIngestion(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: m}
	a.Breakers = circuitbreaker.NewManager(func(name string) circuitbreaker.Config {
		c := circuitbreaker.DefaultConfig(name)
		c.OnStateChange = m.SetBreakerState
		return c
	}, logger)
	if err := a.buildIndex(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildIndex() error {
	embedder, err := knowledge.NewOpenAIEmbedder(a.Config.LLM.APIKey, a.Config.LLM.BaseURL,
		a.Config.LLM.EmbeddingModel, a.breaker(BreakerEmbeddings))
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	a.Embedder = embedder

	index, err := knowledge.NewWeaviateIndex(knowledge.WeaviateConfig{
		URL:     a.Config.Weaviate.URL,
		APIKey:  a.Config.Weaviate.APIKey,
		Class:   a.Config.Weaviate.Class,
		Timeout: a.Config.Weaviate.Timeout,
	}, embedder, a.breaker(BreakerWeaviate), a.Logger.Named("weaviate"))
	if err != nil {
		return fmt.Errorf("guideline index: %w", err)
	}
	a.Index = index
	return nil
}

// ConnectDatabase opens the pool, applies pending migrations and opens the
// idempotency inbox
func (a *App) ConnectDatabase(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("database ping: %w", err)
	}
	if n, err := postgres.Migrate(ctx, pool, a.Logger.Named("migrate")); err != nil {
		pool.Close()
		return fmt.Errorf("migrate: %w", err)
	} else if n > 0 {
		a.Logger.Info("database schema updated", zap.Int("migrations", n))
	}
	a.DB = pool
	a.Inbox = idempotency.NewInbox(pool, idempotency.DefaultConfig(), a.Logger.Named("inbox"))
	return nil
}

// Ingester returns an ingester writing into the guideline index
func (a *App) Ingester() *ingest.Ingester {
	return ingest.NewIngester(a.Index, ingest.NewChunker(ingest.DefaultMaxChars), a.Logger.Named("ingest"))
}

// Checks returns readiness probes for the connected upstreams
func (a *App) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if a.Index != nil {
		checks["weaviate"] = a.Index.Ready
	}
	if a.DB != nil {
		checks["database"] = a.DB.Ping
	}
	return checks
}

// Close releases connections
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}

func (a *App) breaker(name string) *circuitbreaker.CircuitBreaker {
	cb, err := a.Breakers.GetOrCreate(name)
	if err != nil {
		// counters failed to register; run the upstream unguarded
		a.Logger.Warn("circuit breaker unavailable", zap.String("breaker", name), zap.Error(err))
		return nil
	}
	return cb
}
