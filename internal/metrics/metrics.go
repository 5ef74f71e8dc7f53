// Package metrics exposes the engine's internal counters as Prometheus
// collectors. The engine itself has no Prometheus dependency; this
// package wires engine.Hooks to update the collectors, keeping the core
// free of a direct observability dependency, matching the engine's
// boundary.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors holds every metric the deployment engine reports.
type Collectors struct {
	DeploymentRuns      prometheus.Counter
	NotificationsOk     prometheus.Counter
	NotificationsFailed prometheus.Counter
	ClientsRemoved      prometheus.Counter
	FailureCount        prometheus.Histogram
	QueueDepth          prometheus.Gauge
}

// NewCollectors constructs and registers a fresh set of collectors
// against reg. Passing prometheus.NewRegistry() keeps tests hermetic;
// passing prometheus.DefaultRegisterer wires production /metrics.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		DeploymentRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "deployment_runs_total",
			Help:      "Total number of deployment loop runs executed.",
		}),
		NotificationsOk: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "notifications_delivered_total",
			Help:      "Total number of notifications successfully delivered.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "notifications_failed_total",
			Help:      "Total number of notification delivery attempts that failed.",
		}),
		ClientsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd",
			Name:      "clients_removed_total",
			Help:      "Total number of clients removed after disconnect or exhausting the failure budget.",
		}),
		FailureCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notifyd",
			Name:      "client_failure_count",
			Help:      "Per-client failure_count observed each time a failure is recorded.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notifyd",
			Name:      "last_run_queue_depth",
			Help:      "Number of notifications processed (delivered+failed) in the most recent deployment run.",
		}),
	}
	reg.MustRegister(c.DeploymentRuns, c.NotificationsOk, c.NotificationsFailed, c.ClientsRemoved, c.FailureCount, c.QueueDepth)
	return c
}
