// Package metrics holds the Prometheus collectors for the orchestrator.
// Collectors live on an injected registry rather than the global
// default, so parallel tests never collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors shared by the scheduler, workers,
// and HTTP surface.
type Metrics struct {
	registry *prometheus.Registry

	FiringsCreated prometheus.Counter
	LeasesAcquired prometheus.Counter
	RunsSucceeded  prometheus.Counter
	RunsFailed     prometheus.Counter

	QueueDepth   prometheus.Gauge
	SchedulerLag prometheus.Gauge
	ActiveLeases prometheus.Gauge

	RunDuration   prometheus.Histogram
	LeaseDuration prometheus.Histogram
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FiringsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ordinaut_firings_created_total",
			Help: "Firings inserted into the due work queue.",
		}),
		LeasesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "ordinaut_leases_acquired_total",
			Help: "Successful lease claims by workers.",
		}),
		RunsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ordinaut_runs_succeeded_total",
			Help: "Runs that finished successfully.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ordinaut_runs_failed_total",
			Help: "Runs that finished with a failure, including aborts.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ordinaut_queue_depth",
			Help: "Unleased firings currently in the queue.",
		}),
		SchedulerLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ordinaut_scheduler_lag_seconds",
			Help: "Age of the oldest due, unleased firing.",
		}),
		ActiveLeases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ordinaut_active_leases",
			Help: "Firings currently leased by workers.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ordinaut_run_duration_seconds",
			Help:    "Wall time of task executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		LeaseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ordinaut_lease_duration_seconds",
			Help:    "Time from lease acquisition to release.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
