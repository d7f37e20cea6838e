package domain

import "time"

// Metrics receives host telemetry. The prometheus implementation lives in
// infra/telemetry; NopMetrics is the default.
type Metrics interface {
	ObserveInstanceStart(server string, err error)
	ObserveInstanceEviction(server, reason string, count int)
	ObserveServerSpawn(server string)
	ObservePhase(plugin, phase string, duration time.Duration, err error)
}

// Eviction reasons reported to Metrics.ObserveInstanceEviction.
const (
	EvictionStale     = "stale_seq"
	EvictionServerPid = "server_pid"
	EvictionReset     = "reset"
)

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveInstanceStart(string, error) {}

func (NopMetrics) ObserveInstanceEviction(string, string, int) {}

func (NopMetrics) ObserveServerSpawn(string) {}

func (NopMetrics) ObservePhase(string, string, time.Duration, error) {}
