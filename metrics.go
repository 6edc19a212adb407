package cacheworker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the worker does. A nil *Metrics records nothing.
type Metrics struct {
	fetches       *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	lifecycle     *prometheus.CounterVec
	cachesDeleted prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_worker_fetch_total",
		Help: "Total fetch events handled by workers",
	}, []string{"cache", "result"})

	cacheWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_worker_cache_writes_total",
		Help: "Total background cache writes",
	}, []string{"cache", "result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_worker_lifecycle_total",
		Help: "Total install and activate events",
	}, []string{"cache", "event", "result"})

	cachesDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_worker_caches_deleted_total",
		Help: "Total caches deleted on activation",
	})

	if registerer != nil {
		registerer.MustRegister(fetches, cacheWrites, lifecycle, cachesDeleted)
	}

	return &Metrics{
		fetches:       fetches,
		cacheWrites:   cacheWrites,
		lifecycle:     lifecycle,
		cachesDeleted: cachesDeleted,
	}
}

func (m *Metrics) fetch(cacheName, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(cacheName, result).Inc()
}

func (m *Metrics) cacheWrite(cacheName string, err error) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(cacheName, resultLabel(err)).Inc()
}

func (m *Metrics) lifecycleEvent(cacheName, event string, err error) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(cacheName, event, resultLabel(err)).Inc()
}

func (m *Metrics) cacheDeleted() {
	if m == nil {
		return
	}
	m.cachesDeleted.Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
