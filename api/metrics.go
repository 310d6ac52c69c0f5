package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/projecteru2/corral/broker"
)

// metrics holds the broker's Prometheus instrumentation. A private
// registry keeps handlers independently constructible (tests spin up
// several).
type metrics struct {
	registry *prometheus.Registry
	claims   *prometheus.CounterVec
	renewals prometheus.Counter
}

func newMetrics(b *broker.Broker) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corral_claims_total",
			Help: "Machine assignment attempts by outcome.",
		}, []string{"outcome"}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corral_lease_renewals_total",
			Help: "Lease renewals from session open/close events.",
		}),
	}
	poolFree := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "corral_pool_free_machines",
		Help: "Unassigned spare machines in the pool.",
	}, func() float64 {
		free, err := b.FreeCount(context.Background())
		if err != nil {
			return -1
		}
		return float64(free)
	})
	inflight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "corral_pool_inflight_creations",
		Help: "Machine creations dispatched but not yet settled.",
	}, func() float64 {
		return float64(b.InFlight())
	})
	m.registry.MustRegister(m.claims, m.renewals, poolFree, inflight)
	return m
}

func (m *metrics) httpHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
