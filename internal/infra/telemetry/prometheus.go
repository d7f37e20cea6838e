package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements domain.Metrics.
type PrometheusMetrics struct {
	instanceStarts    *prometheus.CounterVec
	instanceEvictions *prometheus.CounterVec
	serverSpawns      *prometheus.CounterVec
	phaseDuration     *prometheus.HistogramVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		instanceStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kong_external_plugin_instance_starts_total",
				Help: "Total number of remote plugin instance start attempts",
			},
			[]string{"server", "status"},
		),
		instanceEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kong_external_plugin_instance_evictions_total",
				Help: "Total number of cached plugin instances dropped",
			},
			[]string{"server", "reason"},
		),
		serverSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kong_external_plugin_server_spawns_total",
				Help: "Total number of plugin server process spawns",
			},
			[]string{"server"},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kong_external_plugin_phase_duration_seconds",
				Help:    "Duration of external plugin phase conversations in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"plugin", "phase", "status"},
		),
	}
}

func (p *PrometheusMetrics) ObserveInstanceStart(server string, err error) {
	p.instanceStarts.WithLabelValues(server, statusLabel(err)).Inc()
}

func (p *PrometheusMetrics) ObserveInstanceEviction(server, reason string, count int) {
	p.instanceEvictions.WithLabelValues(server, reason).Add(float64(count))
}

func (p *PrometheusMetrics) ObserveServerSpawn(server string) {
	p.serverSpawns.WithLabelValues(server).Inc()
}

func (p *PrometheusMetrics) ObservePhase(plugin, phase string, duration time.Duration, err error) {
	p.phaseDuration.WithLabelValues(plugin, phase, statusLabel(err)).Observe(duration.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
