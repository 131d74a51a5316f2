package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used across the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CreditUpdates     *prometheus.CounterVec
	CreditLogFailures prometheus.Counter
	GiftSends         *prometheus.CounterVec
	GiftSendLatency   prometheus.Histogram
	PersonaCandidates prometheus.Histogram
	RealtimeEvents    *prometheus.CounterVec
	IdempotentReplays prometheus.Counter
}

// New builds the collectors on a dedicated registry with the provided namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		CreditUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_updates_total",
			Help:      "Credit balance writes by transaction type and outcome.",
		}, []string{"type", "status"}),
		CreditLogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_log_failures_total",
			Help:      "Credit transactions that could not be appended to the log.",
		}),
		GiftSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gift_sends_total",
			Help:      "Gift sends by outcome.",
		}, []string{"status"}),
		GiftSendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gift_send_duration_seconds",
			Help:      "Latency distribution for gift sends.",
			Buckets:   prometheus.DefBuckets,
		}),
		PersonaCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persona_fetch_candidates",
			Help:      "Candidate rows fetched per persona discovery query.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 7),
		}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime events dispatched by type.",
		}, []string{"type"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from a stored idempotent response.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CreditUpdates,
		m.CreditLogFailures,
		m.GiftSends,
		m.GiftSendLatency,
		m.PersonaCandidates,
		m.RealtimeEvents,
		m.IdempotentReplays,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveCreditUpdate(kind, status string) {
	if m == nil {
		return
	}
	m.CreditUpdates.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveCreditLogFailure() {
	if m == nil {
		return
	}
	m.CreditLogFailures.Inc()
}

func (m *Metrics) ObserveGiftSend(status string, started time.Time) {
	if m == nil {
		return
	}
	m.GiftSends.WithLabelValues(status).Inc()
	m.GiftSendLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObservePersonaCandidates(count int) {
	if m == nil {
		return
	}
	m.PersonaCandidates.Observe(float64(count))
}

func (m *Metrics) ObserveRealtimeEvent(eventType string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplays.Inc()
}
