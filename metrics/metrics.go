// Package metrics implements a Prometheus-backed blobcache.MetricsSink.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/sharedcache/blobcache"
)

// Recorder is a prometheus.Registerer-backed implementation of
// blobcache.MetricsSink.
type Recorder struct {
	Hits             *prometheus.CounterVec
	Misses           *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	PopulateDuration prometheus.Histogram
	RegionsDecayed   prometheus.Counter
}

var _ blobcache.MetricsSink = (*Recorder)(nil)

// NewRecorder creates and registers every shared cache metric with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shared_cache_hits_total",
		Help: "Total number of shared cache region lookups that hit a resident region.",
	}, []string{"namespace"})

	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shared_cache_misses_total",
		Help: "Total number of shared cache region lookups that missed and allocated a new region.",
	}, []string{"namespace"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shared_cache_evictions_total",
		Help: "Total number of shared cache regions evicted.",
	}, []string{"namespace"})

	populateDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shared_cache_populate_duration_seconds",
		Help:    "Time taken to populate a region from its origin.",
		Buckets: prometheus.DefBuckets,
	})

	regionsDecayed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shared_cache_regions_decayed_total",
		Help: "Total number of region access-frequency decrements applied by the decay pass.",
	})

	reg.MustRegister(hits, misses, evictions, populateDuration, regionsDecayed)

	return &Recorder{
		Hits:             hits,
		Misses:           misses,
		Evictions:        evictions,
		PopulateDuration: populateDuration,
		RegionsDecayed:   regionsDecayed,
	}
}

// RecordHit implements blobcache.MetricsSink.
func (r *Recorder) RecordHit(key blobcache.CacheKey) {
	r.Hits.WithLabelValues(key.Namespace).Inc()
}

// RecordMiss implements blobcache.MetricsSink.
func (r *Recorder) RecordMiss(key blobcache.CacheKey) {
	r.Misses.WithLabelValues(key.Namespace).Inc()
}

// RecordEviction implements blobcache.MetricsSink.
func (r *Recorder) RecordEviction(key blobcache.CacheKey) {
	r.Evictions.WithLabelValues(key.Namespace).Inc()
}

// RecordPopulateLatency implements blobcache.MetricsSink.
func (r *Recorder) RecordPopulateLatency(d time.Duration) {
	r.PopulateDuration.Observe(d.Seconds())
}

// RecordDecay implements blobcache.MetricsSink.
func (r *Recorder) RecordDecay(regions int) {
	r.RegionsDecayed.Add(float64(regions))
}
