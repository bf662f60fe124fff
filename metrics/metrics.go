// Package metrics holds the prometheus collectors shared by the host components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "saltshaker"

var (
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_events_published_total",
		Help:      "Events published on the event bus, by kind.",
	}, []string{"kind"})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_reconnects_total",
		Help:      "Reconnect attempts fired by the telemetry connection manager.",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_decode_errors_total",
		Help:      "Telemetry payloads that failed to decode.",
	})

	BridgeDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_denials_total",
		Help:      "Bridge calls refused, by error kind.",
	}, []string{"kind"})

	ActivePlugins = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_plugins",
		Help:      "Plugin instances currently active in the sandbox.",
	})
)

// Registry carries the host collectors plus the Go runtime and process collectors.
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		EventsPublished,
		Reconnects,
		DecodeErrors,
		BridgeDenials,
		ActivePlugins,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
