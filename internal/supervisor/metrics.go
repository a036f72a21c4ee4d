package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	running prometheus.Gauge
	starts  *prometheus.CounterVec
	stops   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		// running tracks scenarios with a live process
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otel_demo_scenarios_running",
			Help: "Number of scenario processes currently running",
		}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otel_demo_scenario_starts_total",
			Help: "Scenario start attempts by result",
		}, []string{"result"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otel_demo_scenario_stops_total",
			Help: "Scenario stops by how the process ended",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.running, m.starts, m.stops)
	return m
}
