package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Per-process gauges, refreshed on every Collector tick.
	ProcessCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "novapm_process_cpu_percent",
			Help: "Most recent CPU usage percentage sampled for a process",
		},
		[]string{"process_id"},
	)

	ProcessMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "novapm_process_memory_bytes",
			Help: "Most recent resident memory in bytes sampled for a process",
		},
		[]string{"process_id"},
	)

	ProcessesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "novapm_processes_running",
			Help: "Total number of processes currently online",
		},
	)

	// Deployment metrics, updated by the Deployment Orchestrator.
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novapm_deployments_total",
			Help: "Total number of deployments by strategy and status",
		},
		[]string{"strategy", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novapm_deployment_duration_seconds",
			Help:    "Deployment duration in seconds by strategy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novapm_deployments_rolled_back_total",
			Help: "Total number of deployments that were rolled back",
		},
		[]string{"strategy", "reason"},
	)

	// Agent/controller channel metrics (C9).
	AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "novapm_agents_connected",
			Help: "Total number of agents currently connected to the controller",
		},
	)

	ControllerCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novapm_controller_command_duration_seconds",
			Help:    "Round-trip duration of a controller command by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		ProcessCPUPercent,
		ProcessMemoryBytes,
		ProcessesRunning,
		DeploymentsTotal,
		DeploymentDuration,
		RolledBackDeploymentsTotal,
		AgentsConnected,
		ControllerCommandDuration,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func idLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec
// with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
