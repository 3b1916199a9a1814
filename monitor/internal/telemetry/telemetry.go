// Package telemetry exposes refresh and snapshot state as Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilot-net/portal-health/pkg/types"
)

const namespace = "portal_health"

// Refresh results used as label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics implements snapshot.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	reported        *prometheus.GaugeVec
	sequence        prometheus.Gauge
	status          *prometheus.GaugeVec
	value           *prometheus.GaugeVec
	uptime          *prometheus.GaugeVec
}

// New creates the metric set and registers the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Refresh runs by class and result",
		}, []string{"class", "result"}),
		refreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of refresh runs",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5, 10},
		}, []string{"class"}),
		reported: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probes_reported_ratio",
			Help:      "Share of probes that reported in the last refresh of a class",
		}, []string{"class"}),
		sequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_sequence",
			Help:      "Sequence number of the current snapshot",
		}),
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_level",
			Help:      "Status per result (0 unknown, 1 healthy, 2 warning, 3 critical)",
		}, []string{"section", "name"}),
		value: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "result_value",
			Help:      "Metric value, or response time in ms for services",
		}, []string{"section", "name"}),
		uptime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_uptime_ratio",
			Help:      "Share of recent observations in which a service was available",
		}, []string{"name"}),
	}
}

// RefreshCompleted records one refresh run.
func (m *Metrics) RefreshCompleted(run *types.RefreshRun) {
	result := ResultSuccess
	if !run.Successful {
		result = ResultFailure
	}
	m.refreshes.WithLabelValues(run.Class, result).Inc()
	m.refreshDuration.WithLabelValues(run.Class).Observe(run.Duration.Seconds())
	if run.Total > 0 {
		m.reported.WithLabelValues(run.Class).Set(float64(run.Reported) / float64(run.Total))
	}
}

// SnapshotPublished replaces the per-result gauges with snap's contents.
func (m *Metrics) SnapshotPublished(snap *types.Snapshot) {
	m.sequence.Set(float64(snap.Sequence))

	// Results dropped from configuration must not linger.
	m.status.Reset()
	m.value.Reset()
	m.uptime.Reset()

	metrics := string(types.SectionMetrics)
	for _, r := range snap.Metrics {
		m.status.WithLabelValues(metrics, r.Name).Set(float64(r.Status))
		m.value.WithLabelValues(metrics, r.Name).Set(r.Value)
	}

	services := string(types.SectionServices)
	for _, r := range snap.Services {
		m.status.WithLabelValues(services, r.Name).Set(float64(r.Status))
		m.value.WithLabelValues(services, r.Name).Set(r.ResponseTimeMs)
		m.uptime.WithLabelValues(r.Name).Set(r.UptimeRatio)
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
