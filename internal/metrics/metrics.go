package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of the service. It is separate from the
// default registry so tests can gather it without global side effects.
var Registry = prometheus.NewRegistry()

var (
	// ReadingsTotal counts readings applied to a history window, by source.
	ReadingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emissionguard_readings_total",
			Help: "Readings applied to a vehicle history window.",
		},
		[]string{"source"},
	)

	// ReadingsDropped counts readings discarded by the reconciliation policy.
	ReadingsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emissionguard_readings_dropped_total",
			Help: "Readings discarded (inactive source, out of order, stale session).",
		},
		[]string{"reason"},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emissionguard_alerts_total",
			Help: "Alerts raised by the threshold evaluator.",
		},
		[]string{"severity", "pollutant"},
	)

	LiveErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emissionguard_live_errors_total",
			Help: "Transport errors reported by the live feed.",
		},
		[]string{"transport"},
	)

	MalformedPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emissionguard_malformed_payloads_total",
			Help: "Live payloads ignored because they were not a valid value.",
		},
		[]string{"transport"},
	)

	// Connectivity is 1 while a vehicle is fed by the live source.
	Connectivity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emissionguard_live_connected",
			Help: "Live feed connectivity per monitored vehicle (1=connected, 0=simulated).",
		},
		[]string{"vehicle_id"},
	)

	MonitoredVehicles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emissionguard_monitored_vehicles",
			Help: "Vehicles currently monitored.",
		},
	)

	DispatchDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emissionguard_dispatch_drops_total",
			Help: "Events dropped because a sink buffer was full.",
		},
		[]string{"sink"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ReadingsTotal,
		ReadingsDropped,
		AlertsTotal,
		LiveErrors,
		MalformedPayloads,
		Connectivity,
		MonitoredVehicles,
		DispatchDrops,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
