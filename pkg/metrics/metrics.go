// Package metrics defines the Prometheus metric collectors used by the
// assembler, the replicas, the applier and the routing tier, and exposes an
// HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	PrefixQueriesTotal *prometheus.CounterVec
	PrefixQueryLatency *prometheus.HistogramVec
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter

	TrieBuildsTotal   *prometheus.CounterVec
	TrieBuildDuration *prometheus.HistogramVec
	TriePhrases       *prometheus.GaugeVec
	TrieBlobBytes     *prometheus.GaugeVec

	MembershipState    prometheus.Gauge
	JoinOutcomesTotal  *prometheus.CounterVec
	PromotionsTotal    prometheus.Counter
	CacheInvalidations prometheus.Counter

	PhrasesCollectedTotal *prometheus.CounterVec
	SinkFlushesTotal      *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PrefixQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prefix_queries_total",
				Help: "Prefix lookups by tier and result (hit, empty, inactive, no_backend, error).",
			},
			[]string{"tier", "result"},
		),
		PrefixQueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prefix_query_latency_seconds",
				Help:    "Prefix lookup latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"tier"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of routing-tier cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of routing-tier cache misses.",
			},
		),
		TrieBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trie_builds_total",
				Help: "Partition trie builds by status.",
			},
			[]string{"status"},
		),
		TrieBuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trie_build_duration_seconds",
				Help:    "Time to stream, build, encode and upload one partition trie.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"partition"},
		),
		TriePhrases: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trie_phrases",
				Help: "Distinct phrases in the most recent trie per partition.",
			},
			[]string{"partition"},
		),
		TrieBlobBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trie_blob_bytes",
				Help: "Encoded size of the most recent trie per partition.",
			},
			[]string{"partition"},
		),
		MembershipState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "membership_state",
				Help: "Replica membership state (0=idle, 1=attempting, 2=active).",
			},
		),
		JoinOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "membership_join_outcomes_total",
				Help: "Slot join attempts by outcome.",
			},
			[]string{"outcome"},
		),
		PromotionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "target_promotions_total",
				Help: "Number of next_target promotions to current_target.",
			},
		),
		CacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_invalidated_keys_total",
				Help: "Cached prefix answers dropped after promotions.",
			},
		),
		PhrasesCollectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phrases_collected_total",
				Help: "Phrases received by the collector by status.",
			},
			[]string{"status"},
		),
		SinkFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_flushes_total",
				Help: "Raw phrase batches written to blob storage by status.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PrefixQueriesTotal,
		m.PrefixQueryLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.TrieBuildsTotal,
		m.TrieBuildDuration,
		m.TriePhrases,
		m.TrieBlobBytes,
		m.MembershipState,
		m.JoinOutcomesTotal,
		m.PromotionsTotal,
		m.CacheInvalidations,
		m.PhrasesCollectedTotal,
		m.SinkFlushesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns metrics registered with a private registry, for tests and
// tools that do not expose a scrape endpoint.
func NewNop() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
