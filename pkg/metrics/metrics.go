// Package metrics exposes the Prometheus collectors the control plane
// registers for its own subsystems: deployments, artifacts, the reaper,
// webhook delivery, and websocket fan-out.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_deployments_total",
			Help: "Number of tracked deployments by lifecycle state",
		},
		[]string{"state"},
	)

	DeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_deploy_duration_seconds",
			Help:    "Time to take a deployment from pending to running",
			Buckets: prometheus.DefBuckets,
		},
	)

	DriverCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_driver_call_duration_seconds",
			Help:    "Container driver call latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DriverCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_driver_call_errors_total",
			Help: "Container driver call failures by operation",
		},
		[]string{"operation"},
	)

	ArtifactsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_artifacts_total",
			Help: "Total number of stored artifacts",
		},
	)

	ArtifactBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_artifact_bytes_stored",
			Help: "Total bytes of artifact content on disk",
		},
	)

	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_reaper_cycles_total",
			Help: "Number of completed reaper cycles",
		},
	)

	ReaperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_reaper_cycle_duration_seconds",
			Help:    "Duration of a reaper cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_reaper_expired_total",
			Help: "Deployments removed by the reaper's expire phase",
		},
	)

	ReaperOrphansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_reaper_orphans_total",
			Help: "Containers removed by the reaper's orphan phase",
		},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_webhook_deliveries_total",
			Help: "Webhook deliveries (one per registration and event, after retries) by event kind and final outcome",
		},
		[]string{"event", "outcome"},
	)

	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_websocket_connections",
			Help: "Currently open websocket subscriber connections",
		},
	)

	WebsocketEventsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_websocket_events_sent_total",
			Help: "Events broadcast to websocket subscribers by kind",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		DeployDuration,
		DriverCallDuration,
		DriverCallErrors,
		ArtifactsTotal,
		ArtifactBytesStored,
		ReaperCyclesTotal,
		ReaperCycleDuration,
		ReaperExpiredTotal,
		ReaperOrphansTotal,
		WebhookDeliveries,
		WebsocketConnections,
		WebsocketEventsSent,
	)
}

// Handler exposes the registered collectors in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
