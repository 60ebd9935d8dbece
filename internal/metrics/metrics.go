// Package metrics provides Prometheus metrics for the cache engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pkgcache"

// Extraction results.
const (
	ResultOK       = "ok"
	ResultReused   = "reused"
	ResultFailed   = "failed"
	ResultCanceled = "canceled"
)

// Metrics holds the engine collectors.
type Metrics struct {
	extractions        *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	dedupWaits         prometheus.Counter
	inflight           prometheus.Gauge

	evictionRuns  prometheus.Counter
	evictedDirs   prometheus.Counter
	evictedBytes  prometheus.Counter
	cacheBytes    prometheus.Gauge
	filesIndexed  prometheus.Counter
	packagesState *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses a private registry,
// which is useful in tests.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		extractions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extractions_total",
				Help:      "Package extraction requests by result",
			},
			[]string{"mode", "result"},
		),
		extractionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extraction_duration_seconds",
				Help:      "Time spent running archive codecs",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"mode"},
		),
		dedupWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_waits_total",
			Help:      "Requests that joined an extraction already in flight",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extractions_inflight",
			Help:      "Extractions currently running",
		}),
		evictionRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eviction_runs_total",
			Help:      "Completed eviction passes",
		}),
		evictedDirs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_dirs_total",
			Help:      "Cache entries removed by eviction",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_bytes_total",
			Help:      "Bytes freed by eviction",
		}),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Size of the extraction directory after the last eviction pass",
		}),
		filesIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_indexed_total",
			Help:      "Package files hashed by the indexer",
		}),
		packagesState: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packages_indexed_total",
				Help:      "Indexer package outcomes",
			},
			[]string{"result"},
		),
	}
}

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ExtractionStarted marks an extraction as running and returns a function
// that records its outcome.
func (m *Metrics) ExtractionStarted(mode string) func(result string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inflight.Inc()
	return func(result string) {
		m.inflight.Dec()
		m.extractionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		m.extractions.WithLabelValues(mode, result).Inc()
	}
}

// Extraction records a request that did not run a codec.
func (m *Metrics) Extraction(mode, result string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(mode, result).Inc()
}

// DedupWait records a request that joined an in-flight extraction.
func (m *Metrics) DedupWait() {
	if m == nil {
		return
	}
	m.dedupWaits.Inc()
}

// Eviction records a completed eviction pass.
func (m *Metrics) Eviction(totalBytes, freedBytes int64, removed int) {
	if m == nil {
		return
	}
	m.evictionRuns.Inc()
	m.evictedDirs.Add(float64(removed))
	m.evictedBytes.Add(float64(freedBytes))
	m.cacheBytes.Set(float64(totalBytes - freedBytes))
}

// FilesIndexed records hashed package files.
func (m *Metrics) FilesIndexed(n int) {
	if m == nil {
		return
	}
	m.filesIndexed.Add(float64(n))
}

// PackageIndexed records the outcome of indexing one package.
func (m *Metrics) PackageIndexed(result string) {
	if m == nil {
		return
	}
	m.packagesState.WithLabelValues(result).Inc()
}
