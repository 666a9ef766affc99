// Package metrics wires github.com/prometheus/client_golang into bridgekit.
// The teacher's go.mod requires this library but no file in the teacher repo
// imports it; bridgekit is its first real consumer, exposing counters and
// histograms for the cache, fetch, dedup, and execution-outcome events spec.md
// names throughout §4 and §8's testable properties.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the collectors a Client optionally reports to. A nil
// *Registry is valid everywhere it's accepted — every method is a no-op guard
// on the receiver, so components never need to branch on "is metrics enabled".
type Registry struct {
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	FetchLatency     *prometheus.HistogramVec
	DedupCollapsed   *prometheus.CounterVec
	ExecutionOutcome *prometheus.CounterVec
	SoftTimeoutWarn  prometheus.Counter
}

// New creates a Registry and registers every collector with reg. Pass
// prometheus.NewRegistry() for an isolated test registry, or
// prometheus.DefaultRegisterer for process-wide export.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "cache_hits_total",
			Help:      "Number of cache reads that returned a fresh entry.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "cache_misses_total",
			Help:      "Number of cache reads that found no fresh entry.",
		}, []string{"cache"}),
		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridgekit",
			Name:      "fetch_latency_seconds",
			Help:      "Latency of outbound aggregator/RPC/info-endpoint calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		DedupCollapsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "dedup_collapsed_total",
			Help:      "Number of concurrent requests collapsed into an in-flight fetch.",
		}, []string{"service"}),
		ExecutionOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "execution_outcomes_total",
			Help:      "Terminal orchestrator outcomes by status.",
		}, []string{"status"}),
		SoftTimeoutWarn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridgekit",
			Name:      "l1_soft_timeout_warnings_total",
			Help:      "Number of L1 monitor soft-timeout warnings emitted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.FetchLatency, m.DedupCollapsed, m.ExecutionOutcome, m.SoftTimeoutWarn)
	}
	return m
}

func (m *Registry) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

func (m *Registry) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

func (m *Registry) ObserveFetchLatency(target string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchLatency.WithLabelValues(target).Observe(seconds)
}

func (m *Registry) RecordDedupCollapse(service string) {
	if m == nil {
		return
	}
	m.DedupCollapsed.WithLabelValues(service).Inc()
}

func (m *Registry) RecordExecutionOutcome(status string) {
	if m == nil {
		return
	}
	m.ExecutionOutcome.WithLabelValues(status).Inc()
}

func (m *Registry) RecordSoftTimeoutWarning() {
	if m == nil {
		return
	}
	m.SoftTimeoutWarn.Inc()
}
