// Package telemetry exposes the monitor's own operational counters as
// Prometheus collectors. These are about the monitor, not the fleet; fleet
// availability lives in the metrics engine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts probes by service and resulting status.
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "probes_total",
		Help:      "Health probes executed, by service and status.",
	}, []string{"service", "status"})

	// ProbeLatency observes per-probe latency in seconds.
	ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "probe_latency_seconds",
		Help:      "Health probe latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"service"})

	// IncidentsOpened counts incident opens by service and severity.
	IncidentsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "incidents_opened_total",
		Help:      "Incidents opened, by service and severity.",
	}, []string{"service", "severity"})

	// IncidentsResolved counts incident closes by service.
	IncidentsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "incidents_resolved_total",
		Help:      "Incidents resolved, by service.",
	}, []string{"service"})

	// ActiveIncidents tracks currently open incidents per service.
	ActiveIncidents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "active_incidents",
		Help:      "Currently open incidents, by service.",
	}, []string{"service"})

	// RecoveriesTotal counts restart attempts by service and outcome.
	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "recoveries_total",
		Help:      "Automatic restart attempts, by service and outcome.",
	}, []string{"service", "outcome"})

	// PingsTotal counts scheduler ticks.
	PingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "pings_total",
		Help:      "Scheduler ticks executed.",
	})

	// EchoesTotal counts fan-out result batches received from the broker.
	EchoesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "echoes_total",
		Help:      "Fan-out probe result batches received.",
	})
)

// ObserveProbe records one probe outcome.
func ObserveProbe(service, status string, latencyMS float64) {
	ProbesTotal.WithLabelValues(service, status).Inc()
	ProbeLatency.WithLabelValues(service).Observe(latencyMS / 1000)
}
