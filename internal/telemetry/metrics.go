package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the router's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	skips        *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	exhausted    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_provider_attempts_total",
				Help: "Upstream attempts by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_provider_latency_seconds",
				Help:    "Latency of successful upstream attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_provider_skips_total",
				Help: "Candidates skipped before an attempt, by reason.",
			},
			[]string{"provider", "reason"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cache_lookups_total",
				Help: "Response cache lookups by result.",
			},
			[]string{"result"},
		),
		exhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "router_exhausted_total",
				Help: "Requests for which every candidate was skipped or failed.",
			},
		),
	}
	reg.MustRegister(m.attempts, m.latency, m.skips, m.cacheLookups, m.exhausted)
	return m
}

// ObserveAttempt records one attempt; outcome is "success" or an error kind.
func (m *Metrics) ObserveAttempt(providerID, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(providerID, outcome).Inc()
	if outcome == "success" {
		m.latency.WithLabelValues(providerID).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveSkip(providerID, reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(providerID, reason).Inc()
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}
