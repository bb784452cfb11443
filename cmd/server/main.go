// Command server exposes the scheduling rule core over HTTP: rule CRUD with
// versioning, context evaluation, conflict detection and resolution,
// leave-conflict analysis, and rule simulation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medplan/rules/internal/config"
	"github.com/medplan/rules/internal/eventbus"
	"github.com/medplan/rules/internal/logger"
	"github.com/medplan/rules/internal/metrics"
	"github.com/medplan/rules/leaves"
	"github.com/medplan/rules/rules"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	collector := metrics.NewCollector(logger.Logger)

	var store rules.Store
	if cfg.DatabaseURL != "" {
		db, err := rules.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", "error", err)
		}
		defer db.Close()
		store = rules.NewPostgresStore(db)
		logger.Info("using postgres rule store")
	} else {
		store = rules.NewMemoryStore()
		logger.Info("DATABASE_URL not set, using in-memory rule store")
	}

	engine, err := rules.NewEngine(store,
		rules.WithLogger(logger.Logger),
		rules.WithMetrics(collector),
	)
	if err != nil {
		logger.Fatal("failed to build rule engine", "error", err)
	}

	bus := eventbus.New(logger.Logger)
	bus.Subscribe(eventbus.TopicConflictResolved, func(topic string, payload any) {
		logger.Info("event", "topic", topic, "payload", payload)
	})

	versioning := rules.NewVersioningService(store, bus,
		rules.WithInvalidation(engine.Invalidate),
		rules.WithVersioningLogger(logger.Logger),
	)
	detector := rules.NewDetector(engine, versioning,
		rules.WithDetectorLogger(logger.Logger),
		rules.WithDetectorMetrics(collector),
	)
	simulator, err := rules.NewSimulator(
		rules.WithSimulatorLogger(logger.Logger),
		rules.WithSimulatorMetrics(collector),
	)
	if err != nil {
		logger.Fatal("failed to build simulator", "error", err)
	}

	recommendations := leaves.NewRecommendationService(
		leaves.Options{
			EnableAutoResolution:          cfg.EnableAutoResolution,
			MaxRecommendationsPerConflict: cfg.MaxRecommendationsPerConflict,
			TopN:                          cfg.TopN,
		},
		leaves.RoleCapability{Roles: []string{"CADRE", "ADMIN"}},
		bus,
		leaves.WithLogger(logger.Logger),
		leaves.WithMetrics(collector),
	)

	srv := newServer(engine, versioning, detector, simulator, recommendations)

	metricsServer := collector.StartServer(cfg.MetricsAddr)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := collector.Shutdown(ctx, metricsServer); err != nil {
		logger.Error("metrics shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}
}
