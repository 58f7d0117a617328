package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the decision pipeline.
// Operators watch failure and fallback rates here instead of waiting for
// user reports.
type Metrics struct {
	// Decisions by resolution path (cache / heuristic / model / fallback)
	Decisions *prometheus.CounterVec

	// Cache behavior
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Model invocations
	ModelLatency prometheus.Histogram
	ModelErrors  *prometheus.CounterVec

	// Rate limiting
	RateLimitRejections *prometheus.CounterVec
}

// InitMetrics registers the pipeline metrics with the default registry.
// Call once at startup; services tolerate a nil *Metrics for tests.
func InitMetrics() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smartnotify_decisions_total",
			Help: "Notification decisions by resolution path and verdict",
		}, []string{"path", "notify"}),

		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smartnotify_cache_hits_total",
			Help: "Result cache hits by feature type",
		}, []string{"feature"}),

		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smartnotify_cache_misses_total",
			Help: "Result cache misses by reason (absent, expired, stale, store_error)",
		}, []string{"reason"}),

		ModelLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartnotify_model_duration_seconds",
			Help:    "Model invocation latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40}, // model calls run seconds, not millis
		}),

		ModelErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smartnotify_model_errors_total",
			Help: "Model invocation failures by cause",
		}, []string{"cause"}),

		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smartnotify_rate_limit_rejections_total",
			Help: "Requests denied a model call by the daily quota",
		}, []string{"feature"}),
	}
}

// RecordDecision records one resolved decision
func (m *Metrics) RecordDecision(path string, notify bool) {
	verdict := "skip"
	if notify {
		verdict = "notify"
	}
	m.Decisions.WithLabelValues(path, verdict).Inc()
}

// RecordCacheHit records a cache hit for a feature
func (m *Metrics) RecordCacheHit(feature string) {
	m.CacheHits.WithLabelValues(feature).Inc()
}

// RecordCacheMiss records a cache miss with its reason
func (m *Metrics) RecordCacheMiss(reason string) {
	m.CacheMisses.WithLabelValues(reason).Inc()
}

// RecordModelCall records one model invocation's latency
func (m *Metrics) RecordModelCall(seconds float64) {
	m.ModelLatency.Observe(seconds)
}

// RecordModelError records a model failure by cause
func (m *Metrics) RecordModelError(cause string) {
	m.ModelErrors.WithLabelValues(cause).Inc()
}

// RecordRateLimitRejection records a quota rejection
func (m *Metrics) RecordRateLimitRejection(feature string) {
	m.RateLimitRejections.WithLabelValues(feature).Inc()
}
