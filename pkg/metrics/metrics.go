package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herd_devices_total",
			Help: "Total number of registered devices by presence",
		},
		[]string{"presence"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herd_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_connections_active",
			Help: "Number of live device channels",
		},
	)

	// Dispatcher metrics
	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_tasks_dispatched_total",
			Help: "Total number of tasks pushed to devices",
		},
	)

	DispatchRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_dispatch_rollbacks_total",
			Help: "Total number of claims rolled back because the push was not attempted",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_dispatch_latency_seconds",
			Help:    "Time from idle signal to task push in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lifecycle metrics
	StatusReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_status_reports_total",
			Help: "Total number of device status reports by outcome",
		},
		[]string{"outcome"},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_tasks_retried_total",
			Help: "Total number of failed tasks re-enqueued for retry",
		},
	)

	TasksExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_tasks_exhausted_total",
			Help: "Total number of tasks permanently failed after exhausting retries",
		},
	)

	// Presence metrics
	PresenceTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_presence_timeouts_total",
			Help: "Total number of devices flipped offline by the presence monitor",
		},
	)

	StaleTasksRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_stale_tasks_requeued_total",
			Help: "Total number of stuck running tasks routed through failure reconciliation",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(DispatchRollbacks)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(StatusReports)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(TasksExhausted)
	prometheus.MustRegister(PresenceTimeouts)
	prometheus.MustRegister(StaleTasksRequeued)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
