// Package metrics exposes counters for the message sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	Ingested     *prometheus.CounterVec
	Suppressed   *prometheus.CounterVec
	Promotions   prometheus.Counter
	SendFailures *prometheus.CounterVec
	Fallbacks    prometheus.Counter
	Reconnects   *prometheus.CounterVec
}

// New builds the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentchat",
			Subsystem: "sync",
			Name:      "events_ingested_total",
			Help:      "Push and confirmation events applied by the reconciliation engine.",
		}, []string{"event"}),
		Suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentchat",
			Subsystem: "sync",
			Name:      "duplicates_suppressed_total",
			Help:      "Events dropped because they matched an already-resolved message.",
		}, []string{"reason"}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rentchat",
			Subsystem: "sync",
			Name:      "placeholders_promoted_total",
			Help:      "Optimistic placeholders replaced by their server-confirmed message.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentchat",
			Subsystem: "sync",
			Name:      "send_failures_total",
			Help:      "Placeholders moved to failed.",
		}, []string{"reason"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rentchat",
			Subsystem: "sync",
			Name:      "fallback_sends_total",
			Help:      "Sends that went over the request/response path.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentchat",
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Push stream reconnect attempts by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.Ingested, m.Suppressed, m.Promotions, m.SendFailures, m.Fallbacks, m.Reconnects)
	}

	return m
}

func (m *Metrics) ObserveIngest(event string) {
	if m == nil {
		return
	}
	m.Ingested.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSuppressed(reason string) {
	if m == nil {
		return
	}
	m.Suppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePromotion() {
	if m == nil {
		return
	}
	m.Promotions.Inc()
}

func (m *Metrics) ObserveSendFailure(reason string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveFallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

func (m *Metrics) ObserveReconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}
