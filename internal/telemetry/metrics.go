package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/integrations-api/internal/domain"
)

// Metrics holds every collector the service exports. Tests build one on a private registry.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
	SourceErrors    *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	SchemaMismatch  *prometheus.CounterVec
	SnapshotsDrop   prometheus.Counter

	gatherer prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_attempts_total",
			Help: "Adapter call attempts by integration, operation and outcome.",
		}, []string{"integration", "op", "outcome"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "integration_attempt_duration_seconds",
			Help:    "Latency of single adapter call attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"integration", "op"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "integration_breaker_state",
			Help: "Circuit breaker state per integration (0 closed, 1 half-open, 2 open).",
		}, []string{"integration"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_source_errors_total",
			Help: "Per-source failures reported in aggregated searches.",
		}, []string{"integration", "kind"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_cache_lookups_total",
			Help: "Result cache lookups by result.",
		}, []string{"result"}),
		SchemaMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "normalize_schema_mismatch_total",
			Help: "Records dropped by the normalizer.",
		}, []string{"provider"}),
		SnapshotsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshots_dropped_total",
			Help: "Raw payload snapshots dropped because the queue was saturated.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.Attempts,
		m.AttemptDuration,
		m.BreakerState,
		m.SourceErrors,
		m.CacheLookups,
		m.SchemaMismatch,
		m.SnapshotsDrop,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// The recorders below accept a nil receiver so components can run without metrics.

func (m *Metrics) ObserveAttempt(a domain.RequestAttempt) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(a.Integration, a.Op, a.Outcome).Inc()
	m.AttemptDuration.WithLabelValues(a.Integration, a.Op).Observe(a.Latency.Seconds())
}

func (m *Metrics) SetBreakerState(integration string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(integration).Set(float64(state))
}

func (m *Metrics) SourceError(integration string, err error) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(integration, domain.KindName(err)).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Mismatch(provider domain.ProviderType) {
	if m == nil {
		return
	}
	m.SchemaMismatch.WithLabelValues(string(provider)).Inc()
}

func (m *Metrics) SnapshotDropped() {
	if m == nil {
		return
	}
	m.SnapshotsDrop.Inc()
}
