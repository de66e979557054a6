package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alignforge_api_request_duration_seconds",
			Help:    "API request duration in seconds by model and operation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "operation", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alignforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	// Stage metrics
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alignforge_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
		[]string{"stage"}, // "generate", "score", "pair", "train"
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alignforge_active_workers",
			Help: "Number of active workers by stage",
		},
		[]string{"stage"},
	)

	// Data metrics
	candidatesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alignforge_candidates_generated_total",
			Help: "Total number of candidate completions generated",
		},
		[]string{"status"}, // "success" or "error"
	)

	promptsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alignforge_prompts_skipped_total",
			Help: "Prompts dropped before training, by reason",
		},
		[]string{"reason"},
	)

	pairsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alignforge_pairs_emitted_total",
			Help: "Total number of preference pairs written for training",
		},
	)

	pairMargin = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alignforge_pair_margin",
			Help:    "Reward margin of emitted preference pairs",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 0.001 to ~32
		},
	)

	iterationsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alignforge_iterations_completed_total",
			Help: "Total number of fully checkpointed iterations",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordAPIRequest records an API request duration
func (c *Collector) RecordAPIRequest(model, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	apiRequestDuration.WithLabelValues(model, operation, status).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordStageDuration records how long a pipeline stage took
func (c *Collector) RecordStageDuration(stage string, duration time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetActiveWorkers sets the number of active workers for a stage
func (c *Collector) SetActiveWorkers(stage string, count int) {
	activeWorkers.WithLabelValues(stage).Set(float64(count))
}

// IncrementCandidates increments the candidate completion counter
func (c *Collector) IncrementCandidates(count int, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	candidatesGenerated.WithLabelValues(status).Add(float64(count))
}

// IncrementSkipped increments the skipped prompt counter for a reason
func (c *Collector) IncrementSkipped(reason string) {
	promptsSkipped.WithLabelValues(reason).Inc()
}

// RecordPair records an emitted preference pair and its margin
func (c *Collector) RecordPair(margin float64) {
	pairsEmitted.Inc()
	pairMargin.Observe(margin)
}

// IncrementIterations increments the completed iteration counter
func (c *Collector) IncrementIterations() {
	iterationsCompleted.Inc()
}

// Serve exposes the Prometheus registry over HTTP at addr until ctx is
// cancelled. It blocks, so callers run it in a goroutine.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("Metrics listener started", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
