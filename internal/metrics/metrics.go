// ABOUTME: Prometheus collectors for browse sessions, publish sessions and the reporter
// ABOUTME: Implements discovery.Observer on a private registry
package metrics

import (
	"net/http"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for mdns-watch.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived     *prometheus.CounterVec
	SnapshotsPublished prometheus.Counter
	SnapshotsDelivered prometheus.Counter
	RegistrySize       prometheus.Gauge
	Registrations      *prometheus.CounterVec
	SinkFailures       *prometheus.CounterVec
}

var _ discovery.Observer = (*Metrics)(nil)

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdns_watch_events_received_total",
			Help: "Total number of browse events received, by kind",
		}, []string{"kind"}),
		SnapshotsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdns_watch_snapshots_published_total",
			Help: "Total number of registry snapshots published by the browse loop",
		}),
		SnapshotsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdns_watch_snapshots_delivered_total",
			Help: "Total number of snapshots handed to the reporter",
		}),
		RegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mdns_watch_registry_instances",
			Help: "Number of service instances in the latest published snapshot",
		}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdns_watch_registrations_total",
			Help: "Total number of registration attempts, by result",
		}, []string{"result"}),
		SinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdns_watch_sink_failures_total",
			Help: "Total number of snapshot sink failures, by sink",
		}, []string{"sink"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventReceived increments the events counter for kind.
func (m *Metrics) EventReceived(kind discovery.EventKind) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(kind.String()).Inc()
}

// SnapshotPublished counts a publish and records the registry size.
func (m *Metrics) SnapshotPublished(size int) {
	if m == nil {
		return
	}
	m.SnapshotsPublished.Inc()
	m.RegistrySize.Set(float64(size))
}

// RegistrationResult counts a registration; an empty code means success.
func (m *Metrics) RegistrationResult(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.Registrations.WithLabelValues(code).Inc()
}

// IncSnapshotsDelivered increments the delivered counter.
func (m *Metrics) IncSnapshotsDelivered() {
	if m == nil {
		return
	}
	m.SnapshotsDelivered.Inc()
}

// IncSinkFailures increments the failure counter for sink.
func (m *Metrics) IncSinkFailures(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}
