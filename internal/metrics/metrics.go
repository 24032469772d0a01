// Package metrics instruments the ingestion core with Prometheus counters,
// histograms and gauges, and serves the exposition endpoint. When metrics
// are disabled, a lightweight in-memory fallback records the same counters
// so the status CLI still has numbers to show.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the instrumentation surface used by the rest of the core.
// Collector (Prometheus) and Fallback (in-memory) both satisfy it.
type Recorder interface {
	RecordHTTPRequest(source string, status int, duration time.Duration)
	RecordHTTPError(source, errType string)
	RecordCacheHit(source string)
	RecordBreakerFailure(source string)
	SetBreakerState(source string, state int)
	RecordEntitySynced(entityType, source, action string)
	TrackSync(source, kind string) DoneFunc
}

// DoneFunc finishes a scoped sync timing. status is "success", "failed" or
// "cancelled"; entities is the number of rows touched during the run.
type DoneFunc func(status string, entities int)

// Collector holds all Prometheus metrics for the ingestion core.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPErrors      *prometheus.CounterVec
	EntitiesSynced  *prometheus.CounterVec
	SyncRuns        *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	BreakerFailures *prometheus.CounterVec

	HTTPDuration   *prometheus.HistogramVec
	SyncDuration   *prometheus.HistogramVec
	EntitiesPerRun *prometheus.HistogramVec

	ActiveSyncs  prometheus.Gauge
	BreakerState *prometheus.GaugeVec
}

// NewCollector creates a collector on a fresh private registry.
// A private registry keeps tests independent and avoids double registration
// when a process constructs more than one collector.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	return NewCollectorWith(reg)
}

// NewCollectorWith registers all metrics against the given registerer.
func NewCollectorWith(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests issued against OParl endpoints",
			},
			[]string{"source", "status"},
		),

		HTTPErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "Total HTTP failures by error class",
			},
			[]string{"source", "type"}, // type: timeout, network, server_error, client_error
		),

		EntitiesSynced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entities_synced_total",
				Help: "Total entities written during sync runs",
			},
			[]string{"type", "source", "action"}, // action: created, updated, unchanged
		),

		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_runs_total",
				Help: "Total sync runs by outcome",
			},
			[]string{"source", "type", "status"}, // type: incremental, full
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total conditional requests answered with 304 Not Modified",
			},
			[]string{"source"},
		),

		BreakerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cb_failures_total",
				Help: "Total failures counted against circuit breakers",
			},
			[]string{"source"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Latency of OParl HTTP requests",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source"},
		),

		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_duration_seconds",
				Help:    "Wall time of body sync runs",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"source", "type"},
		),

		EntitiesPerRun: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entities_per_sync",
				Help:    "Entities touched per sync run",
				Buckets: []float64{0, 10, 50, 100, 500, 1000, 5000, 10000},
			},
			[]string{"source"},
		),

		ActiveSyncs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_syncs",
				Help: "Number of body syncs currently running",
			},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per host (0=closed, 1=open, 2=half-open)",
			},
			[]string{"source"},
		),
	}
}

// Registry exposes the private registry for the exposition handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordHTTPRequest(source string, status int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(source, statusLabel(status)).Inc()
	c.HTTPDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (c *Collector) RecordHTTPError(source, errType string) {
	c.HTTPErrors.WithLabelValues(source, errType).Inc()
}

func (c *Collector) RecordCacheHit(source string) {
	c.CacheHits.WithLabelValues(source).Inc()
}

func (c *Collector) RecordBreakerFailure(source string) {
	c.BreakerFailures.WithLabelValues(source).Inc()
}

func (c *Collector) SetBreakerState(source string, state int) {
	c.BreakerState.WithLabelValues(source).Set(float64(state))
}

func (c *Collector) RecordEntitySynced(entityType, source, action string) {
	c.EntitiesSynced.WithLabelValues(entityType, source, action).Inc()
}

// TrackSync starts a scoped sync timing. The returned DoneFunc is the single
// entry point for recording a run's duration, outcome and entity volume.
func (c *Collector) TrackSync(source, kind string) DoneFunc {
	start := time.Now()
	c.ActiveSyncs.Inc()

	return func(status string, entities int) {
		c.ActiveSyncs.Dec()
		c.SyncRuns.WithLabelValues(source, kind, status).Inc()
		c.SyncDuration.WithLabelValues(source, kind).Observe(time.Since(start).Seconds())
		c.EntitiesPerRun.WithLabelValues(source).Observe(float64(entities))
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status == 404:
		return "404"
	case status >= 400:
		return "4xx"
	case status == 304:
		return "304"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "other"
	}
}
