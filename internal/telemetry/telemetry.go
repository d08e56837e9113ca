// Package telemetry exposes corral's own Prometheus metrics: job lifecycle
// counters, fleet gauges, and placement latency.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds corral's instrument set on a private registry so tests can
// construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsQueued    prometheus.Counter

	QueueLength      prometheus.Gauge
	ActiveRecordings prometheus.Gauge
	RoomServers      prometheus.Gauge
	RecorderNodes    prometheus.Gauge
	HealthyRecorders prometheus.Gauge
	FleetCapacity    prometheus.Gauge
	FleetLoad        prometheus.Gauge

	PlacementDuration prometheus.Histogram
}

// New creates a metrics set with the standard Go and process collectors
// registered alongside corral's own.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "corral_jobs_started_total",
			Help: "Recording jobs that reached the recording state.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "corral_jobs_completed_total",
			Help: "Recording jobs that finished successfully.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "corral_jobs_failed_total",
			Help: "Recording jobs that ended in failure.",
		}),
		JobsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "corral_jobs_queued_total",
			Help: "Recording jobs enqueued for lack of recorder capacity.",
		}),

		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corral_queue_length",
			Help: "Recording jobs currently waiting for a recorder.",
		}),
		ActiveRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corral_active_recordings",
			Help: "Recording jobs currently active.",
		}),
		RoomServers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corral_room_servers",
			Help: "Registered room servers.",
		}),
		RecorderNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corral_recorder_nodes",
			Help: "Registered recorder nodes.",
		}),
		HealthyRecorders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corral_healthy_recorders",
			Help: "Recorder nodes currently passing heartbeats.",
		}),
		FleetCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corral_fleet_capacity",
			Help: "Total concurrent recording slots across healthy recorders.",
		}),
		FleetLoad: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corral_fleet_load",
			Help: "Recording slots currently in use across healthy recorders.",
		}),

		PlacementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "corral_placement_duration_seconds",
			Help:    "Wall time of recorder placement including node RPCs.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
