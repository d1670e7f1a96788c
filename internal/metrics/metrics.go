// Package metrics owns the Prometheus collectors for guide builds. All methods
// are no-ops on a nil *Metrics so components can take it optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cwdepg"

type Metrics struct {
	Registry *prometheus.Registry

	cacheEvents     *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	providerFetches *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	runs            *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, plus Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Lookup cache hits, misses and evictions.",
		}, []string{"cache", "event"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_resolutions_total",
			Help:      "Channel identity resolutions by outcome.",
		}, []string{"outcome"}),
		providerFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetches_total",
			Help:      "EPG provider fetches by provider and result.",
		}, []string{"provider", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each guide pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guide_builds_total",
			Help:      "Guide builds by result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		m.cacheEvents,
		m.resolutions,
		m.providerFetches,
		m.stageDuration,
		m.runs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProviderFetch(provider, result string) {
	if m == nil {
		return
	}
	m.providerFetches.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Run(result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
}

// CacheObserver adapts the cache counters for one named cache to lookupcache.Observer.
func (m *Metrics) CacheObserver(cache string) *CacheObserver {
	return &CacheObserver{m: m, cache: cache}
}

type CacheObserver struct {
	m     *Metrics
	cache string
}

func (o *CacheObserver) Hit()  { o.add("hit", 1) }
func (o *CacheObserver) Miss() { o.add("miss", 1) }

func (o *CacheObserver) Evict(n int) { o.add("evict", n) }

func (o *CacheObserver) add(event string, n int) {
	if o == nil || o.m == nil || n <= 0 {
		return
	}
	o.m.cacheEvents.WithLabelValues(o.cache, event).Add(float64(n))
}
