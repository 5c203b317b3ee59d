package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Offer results.
const (
	OfferAccepted   = "accepted"
	OfferDuplicate  = "duplicate"
	OfferRejected   = "rejected"
	OfferTimeout    = "timeout"
	OfferAttachFail = "attach_failed"
)

// Metrics contains the Prometheus collectors for the broker. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	Offers              *prometheus.CounterVec
	Teardowns           *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram

	SamplesRelayed prometheus.Counter
	SinkFailures   prometheus.Counter
	AttachedSinks  prometheus.Gauge

	ChatClients  prometheus.Gauge
	ChatMessages prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "birbstream_sessions_active",
			Help: "Current number of sessions in the registry",
		}),
		Offers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "birbstream_offers_total",
			Help: "Offers received, by result",
		}, []string{"result"}),
		Teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "birbstream_teardowns_total",
			Help: "Sessions torn down, by final state",
		}, []string{"state"}),
		NegotiationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "birbstream_negotiation_duration_seconds",
			Help:    "Time from offer receipt to answer",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}),

		SamplesRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "birbstream_relay_samples_total",
			Help: "Samples read from the frame source and fanned out",
		}),
		SinkFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "birbstream_relay_sink_failures_total",
			Help: "Sinks detached because delivery failed or their queue overflowed",
		}),
		AttachedSinks: f.NewGauge(prometheus.GaugeOpts{
			Name: "birbstream_relay_sinks",
			Help: "Current number of sinks attached to the relay",
		}),

		ChatClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "birbstream_chat_clients",
			Help: "Current number of chat websocket clients",
		}),
		ChatMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "birbstream_chat_messages_total",
			Help: "Chat messages broadcast",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) IncOffer(result string) {
	if m == nil {
		return
	}
	m.Offers.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTeardown(state string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveNegotiation(d time.Duration) {
	if m == nil {
		return
	}
	m.NegotiationDuration.Observe(d.Seconds())
}

func (m *Metrics) IncSamples() {
	if m == nil {
		return
	}
	m.SamplesRelayed.Inc()
}

func (m *Metrics) IncSinkFailure() {
	if m == nil {
		return
	}
	m.SinkFailures.Inc()
}

func (m *Metrics) SetAttachedSinks(n int) {
	if m == nil {
		return
	}
	m.AttachedSinks.Set(float64(n))
}

func (m *Metrics) SetChatClients(n int) {
	if m == nil {
		return
	}
	m.ChatClients.Set(float64(n))
}

func (m *Metrics) IncChatMessages() {
	if m == nil {
		return
	}
	m.ChatMessages.Inc()
}
