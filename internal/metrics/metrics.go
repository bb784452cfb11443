// Package metrics exposes Prometheus instrumentation for the rule core.
// A Collector owns a private registry so tests and embedders never collide
// with the default global registry. All record methods are nil-safe: a nil
// Collector disables instrumentation.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates rule engine, conflict, and simulation metrics.
type Collector struct {
	registry           *prometheus.Registry
	evaluations        prometheus.Counter
	rulesTriggered     prometheus.Counter
	rulesSkipped       prometheus.Counter
	evaluationDuration prometheus.Histogram
	conflictsDetected  *prometheus.CounterVec
	autoResolutions    prometheus.Counter
	simulationDays     prometheus.Counter
	logger             *slog.Logger
}

// NewCollector creates a collector with its own registry.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		evaluations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total number of context evaluations against the active rule set",
		}),
		rulesTriggered: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "rules_triggered_total",
			Help: "Total number of rules whose conditions matched",
		}),
		rulesSkipped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "rules_skipped_total",
			Help: "Total number of rules skipped due to evaluation errors",
		}),
		evaluationDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one context against the rule set",
			Buckets: prometheus.DefBuckets,
		}),
		conflictsDetected: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "conflicts_detected_total",
			Help: "Total number of detected rule conflicts",
		}, []string{"type"}),
		autoResolutions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "auto_resolutions_total",
			Help: "Total number of conflicts resolved automatically",
		}),
		simulationDays: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "simulation_days_total",
			Help: "Total number of simulated days evaluated",
		}),
		logger: logger,
	}
}

// RecordEvaluation records one evaluation pass.
func (c *Collector) RecordEvaluation(duration time.Duration, triggered, skipped int) {
	if c == nil {
		return
	}
	c.evaluations.Inc()
	c.rulesTriggered.Add(float64(triggered))
	c.rulesSkipped.Add(float64(skipped))
	c.evaluationDuration.Observe(duration.Seconds())
}

// RecordConflicts records detected conflicts by type.
func (c *Collector) RecordConflicts(conflictType string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.conflictsDetected.WithLabelValues(conflictType).Add(float64(n))
}

// RecordAutoResolution records one automatic conflict resolution.
func (c *Collector) RecordAutoResolution() {
	if c == nil {
		return
	}
	c.autoResolutions.Inc()
}

// RecordSimulationDays records evaluated simulation days.
func (c *Collector) RecordSimulationDays(n int) {
	if c == nil {
		return
	}
	c.simulationDays.Add(float64(n))
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr in a background goroutine.
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		c.logger.Info("starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

// Shutdown stops the metrics server.
func (c *Collector) Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
