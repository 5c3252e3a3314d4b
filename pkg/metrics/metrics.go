// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Buckets for cache-lock wait times; revalidation leases are expected to be
// held for one origin round trip.
var lockWaitBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	CacheEvents    *prometheus.CounterVec
	RelayedBytes   *prometheus.CounterVec
	ExchangeErrors *prometheus.CounterVec
	Exchanges      prometheus.Counter
	LockWait       prometheus.Histogram
}

// New creates a Metrics instance with a custom registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_relay_cache_events_total",
			Help: "Cache serving outcomes: hit, miss, stale, revalidated, superseded, bypass, degraded.",
		}, []string{"event"}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_relay_body_bytes_total",
			Help: "Body bytes relayed, by direction (request, response).",
		}, []string{"direction"}),

		ExchangeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_relay_exchange_errors_total",
			Help: "Exchanges that failed, by error kind.",
		}, []string{"kind"}),

		Exchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_relay_exchanges_total",
			Help: "Total exchanges handled.",
		}),

		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_relay_cache_lock_wait_seconds",
			Help:    "Time spent waiting for the per-key revalidation lease.",
			Buckets: lockWaitBuckets,
		}),
	}

	reg.MustRegister(
		m.CacheEvents,
		m.RelayedBytes,
		m.ExchangeErrors,
		m.Exchanges,
		m.LockWait,
	)

	return m
}
