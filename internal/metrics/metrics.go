// Package metrics collects Prometheus metrics describing the pool
// supervisor's census and signal activity. The registry is private and is
// never served over HTTP: spec.md §1 excludes any network interface, so
// this package exists purely as an internally queryable instrument,
// exercised by tests via Collector.Registry().Gather().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the pool supervisor's metrics.
type Collector struct {
	registry *prometheus.Registry

	DesiredWorkers *prometheus.GaugeVec
	LiveWorkers    *prometheus.GaugeVec

	SpawnTotal      *prometheus.CounterVec
	SpawnErrorTotal prometheus.Counter
	ReapTotal       *prometheus.CounterVec
	SignalFwdTotal  *prometheus.CounterVec
	ReloadTotal     prometheus.Counter
	ReloadErrorTotal prometheus.Counter
}

// New creates and registers the pool's metrics on a private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,

		DesiredWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resque_pool_desired_workers",
				Help: "Configured desired worker count per queue-combination key.",
			},
			[]string{"key"},
		),

		LiveWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resque_pool_live_workers",
				Help: "Current census size per queue-combination key.",
			},
			[]string{"key"},
		),

		SpawnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resque_pool_spawn_total",
				Help: "Total number of worker forks performed, by key.",
			},
			[]string{"key"},
		),

		SpawnErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "resque_pool_spawn_errors_total",
				Help: "Total number of fork failures.",
			},
		),

		ReapTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resque_pool_reap_total",
				Help: "Total number of reaped worker exits, by key.",
			},
			[]string{"key"},
		),

		SignalFwdTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resque_pool_signal_forward_total",
				Help: "Total number of signals forwarded to the census, by signal name.",
			},
			[]string{"signal"},
		),

		ReloadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "resque_pool_reload_total",
				Help: "Total number of configuration reloads.",
			},
		),

		ReloadErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "resque_pool_reload_errors_total",
				Help: "Total number of failed configuration reloads.",
			},
		),
	}

	reg.MustRegister(
		c.DesiredWorkers,
		c.LiveWorkers,
		c.SpawnTotal,
		c.SpawnErrorTotal,
		c.ReapTotal,
		c.SignalFwdTotal,
		c.ReloadTotal,
		c.ReloadErrorTotal,
	)

	return c
}

// Registry exposes the private registry for Gather-based assertions and
// for an embedding application that wants to serve it itself.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// SetCensus records the desired and live counts for key.
func (c *Collector) SetCensus(key string, desired, live int) {
	c.DesiredWorkers.WithLabelValues(key).Set(float64(desired))
	c.LiveWorkers.WithLabelValues(key).Set(float64(live))
}

// IncSpawn records a successful fork for key.
func (c *Collector) IncSpawn(key string) {
	c.SpawnTotal.WithLabelValues(key).Inc()
}

// IncSpawnError records a fork failure.
func (c *Collector) IncSpawnError() {
	c.SpawnErrorTotal.Inc()
}

// IncReap records a reaped exit for key.
func (c *Collector) IncReap(key string) {
	c.ReapTotal.WithLabelValues(key).Inc()
}

// IncSignalForward records one signal forwarded to the census.
func (c *Collector) IncSignalForward(signal string) {
	c.SignalFwdTotal.WithLabelValues(signal).Inc()
}

// IncReload records a configuration reload attempt's outcome.
func (c *Collector) IncReload(ok bool) {
	c.ReloadTotal.Inc()
	if !ok {
		c.ReloadErrorTotal.Inc()
	}
}

// RemoveKey drops the per-key series for a queue-combination key that has
// left the census entirely (desired count reached zero and the last
// worker was reaped).
func (c *Collector) RemoveKey(key string) {
	c.DesiredWorkers.DeleteLabelValues(key)
	c.LiveWorkers.DeleteLabelValues(key)
	c.SpawnTotal.DeleteLabelValues(key)
	c.ReapTotal.DeleteLabelValues(key)
}
