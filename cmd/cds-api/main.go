// Package main provides the decision-support API service entry point.
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
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/api/handlers"
	"github.com/drfirst/go-cds/internal/api/middleware"
	"github.com/drfirst/go-cds/internal/app"
	"github.com/drfirst/go-cds/internal/config"
	"github.com/drfirst/go-cds/internal/observability/logging"
	"github.com/drfirst/go-cds/internal/observability/metrics"
	"github.com/drfirst/go-cds/internal/observability/tracing"
)

const (
	serviceName = "cds-api"
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

	ctx := context.Background()

	tp, err := tracing.Init(ctx, serviceName, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)
	a, err := app.Build(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}
	defer a.Close()

	if err := a.Index.EnsureSchema(ctx); err != nil {
		// the index may come up after us; searches degrade to no passages
		logger.Warn("guideline index schema not ensured", zap.Error(err))
	}

	var dedup handlers.Deduplicator
	if a.Inbox != nil {
		a.Inbox.StartCleanup()
		defer a.Inbox.Stop()
		dedup = a.Inbox
	}

	sessionHandler := handlers.NewSessionHandler(a.Manager, dedup, logger)
	toolsHandler := handlers.NewToolsHandler(a.Tools)
	health := handlers.NewHealthHandler(serviceName, version, a.Breakers)
	for name, check := range a.Checks() {
		health.AddCheck(name, check)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.MaxBody(1 << 20))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/sessions", sessionHandler.Routes())
		r.Get("/tools", toolsHandler.List)
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// a cycle may run several language calls
		WriteTimeout: cfg.Orchestrator.CycleTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting CDS API",
		zap.String("port", cfg.Port),
		zap.String("model", cfg.LLM.Model),
		zap.Bool("durable_sessions", cfg.HasDatabase()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}
