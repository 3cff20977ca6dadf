package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the cache and adapter counters the engine reports.
type Metrics struct {
	CacheHits      *prometheus.CounterVec // tier label: tier1|tier2
	CacheMisses    prometheus.Counter
	AdapterCalls   *prometheus.CounterVec // adapter label
	AdapterErrors  *prometheus.CounterVec // adapter, kind labels
	FetchDuration  *prometheus.HistogramVec
	RecordsDropped prometheus.Counter
}

// New builds the metric set and registers it on reg. Pass
// prometheus.NewRegistry() in tests to avoid default-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotefeed_cache_hits_total",
				Help: "Cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotefeed_cache_misses_total",
				Help: "Cache misses across both tiers",
			},
		),
		AdapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotefeed_adapter_calls_total",
				Help: "Upstream adapter invocations",
			},
			[]string{"adapter"},
		),
		AdapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotefeed_adapter_errors_total",
				Help: "Upstream adapter failures by kind",
			},
			[]string{"adapter", "kind"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotefeed_fetch_duration_seconds",
				Help:    "End-to-end fetch latency per category",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		RecordsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotefeed_records_dropped_total",
				Help: "Records dropped by pipeline validation",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.AdapterCalls, m.AdapterErrors, m.FetchDuration, m.RecordsDropped)
	}
	return m
}

// Nop returns an unregistered metric set for callers that don't care.
func Nop() *Metrics { return New(nil) }
