// Package metrics provides Prometheus metrics for the crawl worker
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is stamped at build time via -ldflags and exported through the
// build_info metric.
var Version = "dev"

// Metrics holds all Prometheus metrics. Each instance carries its own
// registry so multiple instances in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	TasksProcessed *prometheus.CounterVec
	TasksInFlight  prometheus.Gauge
	TaskDuration   prometheus.Histogram

	// Crawl metrics
	ItemsCrawled *prometheus.CounterVec
	PagesCrawled prometheus.Counter

	// Upstream metrics
	APIRequests *prometheus.CounterVec

	// Rate limit metrics
	RateLimitWaits prometheus.Counter
	AdaptiveDelay  prometheus.Gauge

	// Auth metrics
	AuthMode            prometheus.Gauge
	AuthFailures        prometheus.Gauge
	BrowserFallbacks    prometheus.Counter
	DPoPKeyAge          prometheus.Gauge
	CircuitBreakerState prometheus.Gauge

	// Queue metrics
	TaskQueueDepth   prometheus.Gauge
	ResultQueueDepth prometheus.Gauge
	ProcessingDepth  prometheus.Gauge

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mercari_crawler"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		// Task metrics
		TasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_processed_total",
				Help:      "Total number of tasks processed",
			},
			[]string{"status"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_progress",
				Help:      "Number of tasks currently being processed",
			},
		),
		TaskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task processing duration in seconds",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
			},
		),

		// Crawl metrics
		ItemsCrawled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_crawled_total",
				Help:      "Total number of items crawled",
			},
			[]string{"status"},
		),
		PagesCrawled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_crawled_total",
				Help:      "Total number of result pages fetched",
			},
		),

		// Upstream metrics
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total upstream API responses by HTTP status code",
			},
			[]string{"code"},
		),

		// Rate limit metrics
		RateLimitWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_waits_total",
				Help:      "Total number of waits on the shared token bucket",
			},
		),
		AdaptiveDelay: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "adaptive_delay_seconds",
				Help:      "Current adaptive inter-request delay in seconds",
			},
		),

		// Auth metrics
		AuthMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "auth_mode",
				Help:      "Active auth mode (0=http, 1=browser)",
			},
		),
		AuthFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "auth_consecutive_failures",
				Help:      "Consecutive auth failures in the current streak",
			},
		),
		BrowserFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browser_fallbacks_total",
				Help:      "Total number of fallbacks to browser auth mode",
			},
		),
		DPoPKeyAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dpop_key_age_seconds",
				Help:      "Age of the current DPoP signing key in seconds",
			},
		),
		CircuitBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),

		// Queue metrics
		TaskQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_depth",
				Help:      "Number of tasks waiting in the shared queue",
			},
		),
		ResultQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "result_queue_depth",
				Help:      "Number of results waiting in the shared queue",
			},
		),
		ProcessingDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "processing_depth",
				Help:      "Number of in-flight tasks across all workers",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information, value fixed at 1",
			},
			[]string{"version"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TasksProcessed,
		m.TasksInFlight,
		m.TaskDuration,
		m.ItemsCrawled,
		m.PagesCrawled,
		m.APIRequests,
		m.RateLimitWaits,
		m.AdaptiveDelay,
		m.AuthMode,
		m.AuthFailures,
		m.BrowserFallbacks,
		m.DPoPKeyAge,
		m.CircuitBreakerState,
		m.TaskQueueDepth,
		m.ResultQueueDepth,
		m.ProcessingDepth,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(Version).Set(1)

	return m
}

// Handler returns the Prometheus HTTP handler for this instance's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTask records one completed task
func (m *Metrics) RecordTask(status string, duration time.Duration) {
	m.TasksProcessed.WithLabelValues(status).Inc()
	m.TaskDuration.Observe(duration.Seconds())
}

// RecordAPIRequest counts one upstream response by HTTP status code
func (m *Metrics) RecordAPIRequest(statusCode int) {
	m.APIRequests.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordItems records crawled item counts by listing status
func (m *Metrics) RecordItems(status string, count int) {
	m.ItemsCrawled.WithLabelValues(status).Add(float64(count))
}

// SetAuthMode sets the auth mode gauge from its string form
func (m *Metrics) SetAuthMode(mode string) {
	if mode == "browser" {
		m.AuthMode.Set(1)
	} else {
		m.AuthMode.Set(0)
	}
}

// SetCircuitBreakerState sets the breaker state gauge from its string form
func (m *Metrics) SetCircuitBreakerState(state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half_open", "half-open":
		value = 2
	}
	m.CircuitBreakerState.Set(value)
}
