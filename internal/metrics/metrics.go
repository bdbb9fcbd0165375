package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for fleet-sentinel.
type Metrics struct {
	registry                 *prometheus.Registry
	cycleDurationSeconds     prometheus.Histogram
	stateCommitsTotal        *prometheus.CounterVec
	corruptSnapshotsTotal    prometheus.Counter
	historyEntries           prometheus.Gauge
	projectsTotal            *prometheus.GaugeVec
	alertsTotal              *prometheus.CounterVec
	routingDecisionsTotal    *prometheus.CounterVec
	backendLatencySeconds    *prometheus.HistogramVec
	backendInFlight          *prometheus.GaugeVec
	rateLimitedTotal         *prometheus.CounterVec
	dockerAPIErrorsTotal     prometheus.Counter
	lastSuccessfulCycleGauge prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		cycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_sentinel_scan_duration_seconds",
			Help:    "Duration of fleet scan cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		stateCommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_sentinel_state_proposals_total",
			Help: "State update proposals by result.",
		}, []string{"result"}),
		corruptSnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_sentinel_corrupt_snapshots_total",
			Help: "Snapshots that failed checksum verification.",
		}),
		historyEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_sentinel_history_entries",
			Help: "Snapshots currently retained in the history archive.",
		}),
		projectsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_sentinel_projects_total",
			Help: "Registered projects by health.",
		}, []string{"health"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_sentinel_alerts_total",
			Help: "Total alerts emitted by subject kind and status.",
		}, []string{"kind", "status"}),
		routingDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_sentinel_routing_decisions_total",
			Help: "Inference routing decisions by backend, reason and intent.",
		}, []string{"backend", "reason", "intent"}),
		backendLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_sentinel_backend_latency_seconds",
			Help:    "Latency of inference dispatches per backend.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"backend", "outcome"}),
		backendInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_sentinel_backend_in_flight",
			Help: "Requests currently dispatched per backend.",
		}, []string{"backend"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_sentinel_rate_limited_total",
			Help: "Inference requests rejected by rate-limit class.",
		}, []string{"class"}),
		dockerAPIErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_sentinel_docker_api_errors_total",
			Help: "Total Docker API errors after retries.",
		}),
		lastSuccessfulCycleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_sentinel_last_successful_scan_timestamp",
			Help: "Unix timestamp of the last successful scan cycle.",
		}),
	}

	registry.MustRegister(
		m.cycleDurationSeconds,
		m.stateCommitsTotal,
		m.corruptSnapshotsTotal,
		m.historyEntries,
		m.projectsTotal,
		m.alertsTotal,
		m.routingDecisionsTotal,
		m.backendLatencySeconds,
		m.backendInFlight,
		m.rateLimitedTotal,
		m.dockerAPIErrorsTotal,
		m.lastSuccessfulCycleGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycleDuration records the duration of a completed scan cycle.
func (m *Metrics) ObserveCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDurationSeconds.Observe(duration.Seconds())
}

// IncStateCommits counts a proposal outcome.
func (m *Metrics) IncStateCommits(result string) {
	if m == nil {
		return
	}
	m.stateCommitsTotal.WithLabelValues(result).Inc()
}

// IncCorruptSnapshots counts a failed checksum verification.
func (m *Metrics) IncCorruptSnapshots() {
	if m == nil {
		return
	}
	m.corruptSnapshotsTotal.Inc()
}

// SetHistoryEntries sets the retained history size.
func (m *Metrics) SetHistoryEntries(n int) {
	if m == nil {
		return
	}
	m.historyEntries.Set(float64(n))
}

// SetProjectsTotal sets the project gauge for a health value.
func (m *Metrics) SetProjectsTotal(health string, value int) {
	if m == nil {
		return
	}
	m.projectsTotal.WithLabelValues(health).Set(float64(value))
}

// IncAlertsTotal increments the alerts counter for the given subject kind/status.
func (m *Metrics) IncAlertsTotal(kind string, status string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(kind, status).Inc()
}

// IncRoutingDecisions counts a completed or failed inference request.
func (m *Metrics) IncRoutingDecisions(backend, reason, intent string) {
	if m == nil {
		return
	}
	m.routingDecisionsTotal.WithLabelValues(backend, reason, intent).Inc()
}

// ObserveBackendLatency records one dispatch attempt.
func (m *Metrics) ObserveBackendLatency(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendLatencySeconds.WithLabelValues(backend, outcome).Observe(d.Seconds())
}

// SetBackendInFlight sets the in-flight gauge for a backend.
func (m *Metrics) SetBackendInFlight(backend string, n int) {
	if m == nil {
		return
	}
	m.backendInFlight.WithLabelValues(backend).Set(float64(n))
}

// IncRateLimited counts a request rejected by a rate-limit class.
func (m *Metrics) IncRateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(class).Inc()
}

// IncDockerAPIErrors increments the Docker API error counter.
func (m *Metrics) IncDockerAPIErrors() {
	if m == nil {
		return
	}
	m.dockerAPIErrorsTotal.Inc()
}

// SetLastSuccessfulCycleTimestamp sets the last successful scan time.
func (m *Metrics) SetLastSuccessfulCycleTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulCycleGauge.Set(float64(t.Unix()))
}
