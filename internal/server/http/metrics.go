package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts lifecycle events for /metrics.
type Metrics struct {
	LinksCreated  prometheus.Counter
	Verifications *prometheus.CounterVec
	Revocations   prometheus.Counter
	StreamsClosed *prometheus.CounterVec
}

// NewMetrics registers counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LinksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safedrop_links_created_total",
			Help: "Links created.",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safedrop_verifications_total",
			Help: "One-time-code verification attempts by outcome.",
		}, []string{"outcome"}),
		Revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safedrop_revocations_total",
			Help: "Owner revocations.",
		}),
		StreamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safedrop_streams_closed_total",
			Help: "Streaming sessions closed by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.LinksCreated, m.Verifications, m.Revocations, m.StreamsClosed)
	return m
}
