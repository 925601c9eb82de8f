// Package metrics exposes Prometheus instrumentation for the execution
// engine. All collectors are registered on the registry passed to New, so
// tests can use a private registry and the default path can use
// prometheus.DefaultRegisterer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	MonitorCycles   prometheus.Counter
	LegsExecuted    *prometheus.CounterVec
	LegFailures     *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	CapitalDeployed prometheus.Gauge
	PriceFetches    *prometheus.CounterVec
}

// New registers and returns the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MonitorCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "ladderbot_monitor_cycles_total",
			Help: "Completed position monitor cycles.",
		}),
		LegsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ladderbot_legs_executed_total",
			Help: "Successfully executed legs by kind.",
		}, []string{"kind"}),
		LegFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ladderbot_leg_failures_total",
			Help: "Leg executions that failed, by kind.",
		}, []string{"kind"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ladderbot_open_positions",
			Help: "Positions currently active.",
		}),
		CapitalDeployed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ladderbot_capital_deployed_native",
			Help: "Native currency spent on executed entries across active positions.",
		}),
		PriceFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ladderbot_price_fetches_total",
			Help: "Price oracle lookups by outcome.",
		}, []string{"outcome"}),
	}
}
