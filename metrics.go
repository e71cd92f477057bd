package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics bundles the resolver's prometheus instrumentation (Component J).
// Grounded on Doridian-foxDNS's generator/resolver package, which wires
// promauto gauges/histograms/counters directly at package scope for open
// connections, upstream query latency, and upstream query errors; this
// module follows the same shapes, renamed to this package's vocabulary.
type metrics struct {
	openSockets      prometheus.Gauge
	pendingQueries   prometheus.Gauge
	queryDuration    *prometheus.HistogramVec
	queryErrors      *prometheus.CounterVec
	cacheHitRatio    prometheus.GaugeFunc
	serversRetired   prometheus.Counter
}

// newMetrics registers a fresh set of collectors against reg. Passing a
// dedicated registry (rather than the global default) lets multiple
// Resolver instances coexist in a process without a metrics name collision,
// and lets tests use prometheus.NewRegistry() in isolation.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &metrics{
		openSockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_open_sockets",
			Help: "Number of currently open upstream server sockets.",
		}),
		pendingQueries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_pending_queries",
			Help: "Number of queries currently awaiting a response or timeout.",
		}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "resolver_query_duration_seconds",
			Help:    "Latency of upstream queries from submit to completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "outcome"}),
		queryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_query_errors_total",
			Help: "Upstream query failures by server and error class.",
		}, []string{"server", "class"}),
		serversRetired: factory.NewCounter(prometheus.CounterOpts{
			Name: "resolver_servers_retired_total",
			Help: "Number of times a server was automatically retired after consecutive failures.",
		}),
	}
}

// bindCacheHitRatio wires a GaugeFunc that reads the live cache hit ratio on
// scrape rather than updating a gauge on every cache access.
func (m *metrics) bindCacheHitRatio(reg prometheus.Registerer, fn func() float64) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m.cacheHitRatio = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "resolver_cache_hit_ratio",
		Help: "Cumulative cache hit ratio as a percentage.",
	}, fn)
}
