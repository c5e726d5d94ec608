// Package metrics holds the bridge's Prometheus instrumentation on a
// dedicated registry so tests never collide on the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	CompletionsTotal     *prometheus.CounterVec
	UpstreamErrorsTotal  prometheus.Counter
	CredentialSelections prometheus.Counter
	ActiveRelays         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enginebridge_completions_total",
			Help: "Chat completion requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		UpstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enginebridge_relay_upstream_errors_total",
			Help: "Relay runs that ended with an upstream failure.",
		}),
		CredentialSelections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enginebridge_credential_selections_total",
			Help: "Pool credential selections.",
		}),
		ActiveRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enginebridge_active_relays",
			Help: "Relays currently streaming from the upstream.",
		}),
	}
	reg.MustRegister(
		m.CompletionsTotal,
		m.UpstreamErrorsTotal,
		m.CredentialSelections,
		m.ActiveRelays,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
