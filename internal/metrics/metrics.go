// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all beamdrop Prometheus collectors. They are registered on an
// isolated prometheus.Registry so relay metrics don't collide with the global
// default registry and each test gets its own instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Clients is the number of live WebSocket supervisors.
	Clients prometheus.Gauge

	// Pairs is the number of mutual pairings.
	Pairs prometheus.Gauge

	// SignalsTotal counts successfully forwarded signals by kind.
	SignalsTotal *prometheus.CounterVec

	// ErrorsTotal counts parse, validation, rate-limit, delivery and bus
	// failures.
	ErrorsTotal prometheus.Counter

	// BuildInfo carries the version label.
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry, alongside the standard Go and process collectors.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Number of currently connected WebSocket clients.",
		}),
		Pairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_pairs",
			Help: "Number of mutual peer pairings.",
		}),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_signals_total",
				Help: "Total number of successfully forwarded signals.",
			},
			[]string{"kind"},
		),
		ErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_errors_total",
			Help: "Total number of parse, validation, rate-limit and delivery failures.",
		}),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "beamdrop_info",
				Help: "Build information.",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(m.Clients, m.Pairs, m.SignalsTotal, m.ErrorsTotal, m.BuildInfo)
	m.BuildInfo.WithLabelValues(version).Set(1)
	return m
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
