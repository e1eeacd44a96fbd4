// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the gateway's Prometheus instrumentation: the ambient
// HTTP-edge metrics every request passes through, plus the domain counters
// and gauges named in SPEC_FULL.md's metrics section.
type Collector struct {
	// HTTP metrics.
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Gateway domain metrics.
	keysSelectedTotal    *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	decoysDispatched     *prometheus.CounterVec
	routeDuration        *prometheus.HistogramVec
	obfuscationsRecorded *prometheus.CounterVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector builds a Collector and registers its metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.keysSelectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_selected_total",
			Help:      "Total number of keys selected by the key allocator",
		},
		[]string{"provider", "model", "status"},
	)

	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently live in the session store",
		},
	)

	c.decoysDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoys_dispatched_total",
			Help:      "Total number of decoy requests dispatched by the router",
		},
		[]string{"provider", "model"},
	)

	c.routeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "Router dispatch duration in seconds, from Route call to real-task completion",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"provider", "model", "mode"}, // mode: regular, temporal_mix
	)

	c.obfuscationsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obfuscations_recorded_total",
			Help:      "Total number of obfuscation mapping records created by the privacy pipeline",
		},
		[]string{"pii_detected"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one completed HTTP request at the edge.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordKeySelected records one key chosen by the key allocator for a
// (provider, model) pair, tagged with the key's post-selection status.
func (c *Collector) RecordKeySelected(provider, model, status string) {
	c.keysSelectedTotal.WithLabelValues(provider, model, status).Inc()
}

// SetSessionsActive reports the current count of live sessions.
func (c *Collector) SetSessionsActive(count int) {
	c.sessionsActive.Set(float64(count))
}

// IncSessionsActive reports one session becoming live.
func (c *Collector) IncSessionsActive() {
	c.sessionsActive.Inc()
}

// DecSessionsActive reports one session ending or expiring.
func (c *Collector) DecSessionsActive() {
	c.sessionsActive.Dec()
}

// RecordDecoyDispatched records one decoy request launched by temporal
// mixing, independent of whether it later succeeds or errors (decoy errors
// are swallowed, per §7, and never observed here).
func (c *Collector) RecordDecoyDispatched(provider, model string) {
	c.decoysDispatched.WithLabelValues(provider, model).Inc()
}

// RecordRouteDuration records the time from Route's call to the real task's
// completion, tagged by dispatch mode.
func (c *Collector) RecordRouteDuration(provider, model, mode string, duration time.Duration) {
	c.routeDuration.WithLabelValues(provider, model, mode).Observe(duration.Seconds())
}

// RecordObfuscation records one privacy-pipeline mapping record creation.
func (c *Collector) RecordObfuscation(piiDetected bool) {
	c.obfuscationsRecorded.WithLabelValues(boolLabel(piiDetected)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// statusCode buckets an HTTP status code into its class for cardinality
// control.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
