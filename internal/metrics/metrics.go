// Package metrics provides Prometheus metrics for the redirect service. A
// nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloud302"

// Cache layer label values.
const (
	LayerPath = "path"
	LayerLink = "link"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	redirects        *prometheus.CounterVec
	redirectDuration prometheus.Histogram
	cacheLookups     *prometheus.CounterVec
	cacheEntries     *prometheus.GaugeVec
	linkEvictions    prometheus.Counter
	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	precacheFetches  *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	sessionState     *prometheus.GaugeVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		redirects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirect_requests_total",
			Help:      "Redirect requests by response status",
		}, []string{"status"}),
		redirectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redirect_duration_seconds",
			Help:      "Time to resolve a virtual path into a redirect",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by layer and result",
		}, []string{"layer", "result"}),
		cacheEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of cache entries by layer",
		}, []string{"layer"}),
		linkEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_cache_evictions_total",
			Help:      "Link cache entries evicted to stay within capacity",
		}),
		upstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Cloud189 API calls by operation and outcome",
		}, []string{"op", "outcome"}),
		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Cloud189 API call duration by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		precacheFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_fetches_total",
			Help:      "Sibling link prefetches by result",
		}, []string{"result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Failure notifications by delivery result",
		}, []string{"result"}),
		sessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
	}
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// RecordRedirect records one redirect request outcome.
func (m *Metrics) RecordRedirect(status int, d time.Duration) {
	if m == nil {
		return
	}

	m.redirects.WithLabelValues(strconv.Itoa(status)).Inc()
	m.redirectDuration.Observe(d.Seconds())
}

// RecordCacheLookup records a hit or miss on a cache layer.
func (m *Metrics) RecordCacheLookup(layer string, hit bool) {
	if m == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	m.cacheLookups.WithLabelValues(layer, result).Inc()
}

// SetCacheEntries sets the current entry count of a cache layer.
func (m *Metrics) SetCacheEntries(layer string, n int) {
	if m == nil {
		return
	}

	m.cacheEntries.WithLabelValues(layer).Set(float64(n))
}

// RecordEvictions adds n link cache evictions.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.linkEvictions.Add(float64(n))
}

// RecordUpstream records one upstream call.
func (m *Metrics) RecordUpstream(op string, d time.Duration, err error) {
	if m == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	m.upstreamCalls.WithLabelValues(op, outcome).Inc()
	m.upstreamDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordPrecache records one sibling prefetch result: fetched, failed or
// skipped.
func (m *Metrics) RecordPrecache(result string) {
	if m == nil {
		return
	}

	m.precacheFetches.WithLabelValues(result).Inc()
}

// RecordNotification records a notification delivery.
func (m *Metrics) RecordNotification(err error) {
	if m == nil {
		return
	}

	result := "sent"
	if err != nil {
		result = "failed"
	}

	m.notifications.WithLabelValues(result).Inc()
}

// SetSessionState marks current as the active session state among all.
func (m *Metrics) SetSessionState(current string, all []string) {
	if m == nil {
		return
	}

	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}

		m.sessionState.WithLabelValues(s).Set(v)
	}
}
