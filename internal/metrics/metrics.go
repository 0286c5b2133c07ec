// Package metrics exposes the platform's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the core components report into.
type Metrics struct {
	registry *prometheus.Registry

	Claims     *prometheus.CounterVec // outcome: registered, reconnected, master_active, network_error
	Heartbeats *prometheus.CounterVec // result: ok, failed
	Admissions *prometheus.CounterVec // result: accepted, too_long, rate_limited
	Commands   prometheus.Counter
	WSClients  prometheus.Gauge
}

// New builds and registers the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jukevox_master_claims_total",
			Help: "Master-player claim attempts by outcome.",
		}, []string{"outcome"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jukevox_heartbeats_total",
			Help: "Lease heartbeat renewals by result.",
		}, []string{"result"}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jukevox_request_admissions_total",
			Help: "Song request admission decisions by result.",
		}, []string{"result"}),
		Commands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jukevox_admin_commands_total",
			Help: "Admin commands issued to master players.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jukevox_websocket_clients",
			Help: "Currently connected websocket observers.",
		}),
	}

	reg.MustRegister(m.Claims, m.Heartbeats, m.Admissions, m.Commands, m.WSClients)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
