// Package metrics exposes cache activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the cache Observer interface over a private registry
type Metrics struct {
	registry *prometheus.Registry

	hits        prometheus.Counter
	misses      prometheus.Counter
	inserts     prometheus.Counter
	evictions   prometheus.Counter
	expirations prometheus.Counter

	searchDurationMs prometheus.Histogram
	searchResults    prometheus.Histogram
}

// New creates the cache metric set on its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storycache_hits_total",
			Help: "Total cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storycache_misses_total",
			Help: "Total cache misses (unknown or expired ids)",
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storycache_inserts_total",
			Help: "Total entries inserted or refreshed",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storycache_evictions_total",
			Help: "Total entries evicted by region capacity pressure",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storycache_expirations_total",
			Help: "Total entries removed by expiry sweeps",
		}),
		searchDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storycache_search_duration_ms",
			Help:    "FindNearby duration in milliseconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 20, 50, 100},
		}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storycache_search_results",
			Help:    "Number of entries returned per FindNearby call",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
	}

	m.registry.MustRegister(
		m.hits, m.misses, m.inserts, m.evictions, m.expirations,
		m.searchDurationMs, m.searchResults,
	)
	return m
}

// Handler returns the scrape endpoint for this metric set
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHit counts a successful Get
func (m *Metrics) RecordHit() { m.hits.Inc() }

// RecordMiss counts a Get miss
func (m *Metrics) RecordMiss() { m.misses.Inc() }

// RecordInsert counts an insert or in-place refresh
func (m *Metrics) RecordInsert() { m.inserts.Inc() }

// RecordEvictions counts capacity evictions
func (m *Metrics) RecordEvictions(n int) { m.evictions.Add(float64(n)) }

// RecordExpirations counts expiry-sweep removals
func (m *Metrics) RecordExpirations(n int) { m.expirations.Add(float64(n)) }

// ObserveSearch records one FindNearby call
func (m *Metrics) ObserveSearch(d time.Duration, results int) {
	m.searchDurationMs.Observe(float64(d.Microseconds()) / 1000.0)
	m.searchResults.Observe(float64(results))
}
