package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labstack/echo/v4"
)

// Metrics holds the prometheus collectors for the dispatch path and the
// worker cache. One instance is built in the container and shared.
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	WorkersActive    prometheus.Gauge
	WorkerBuilds     prometheus.Counter
	WorkerEvictions  *prometheus.CounterVec
	NodeErrors       *prometheus.CounterVec
}

// New creates the metric set on a private registry so tests can build
// multiple instances without duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_dispatch_total",
			Help: "Dispatched executions by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataplane_dispatch_duration_seconds",
			Help:    "Wall time of flow executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_workers_active",
			Help: "Number of cached flow executors.",
		}),
		WorkerBuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataplane_worker_builds_total",
			Help: "Executor constructions, including rebuilds.",
		}),
		WorkerEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_worker_evictions_total",
			Help: "Cache evictions by reason (lru, ttl, forced, shutdown).",
		}, []string{"reason"}),
		NodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_node_errors_total",
			Help: "Node failures by node type.",
		}, []string{"node_type"}),
	}
}

// Handler returns an echo handler serving the /metrics endpoint
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
