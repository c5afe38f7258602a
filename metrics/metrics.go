// Package metrics exports knowledge, cache and storage events to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/becomeliminal/nim-knowledge/cache"
	"github.com/becomeliminal/nim-knowledge/knowledge"
	"github.com/becomeliminal/nim-knowledge/storage"
)

var (
	_ knowledge.Metrics = (*Prometheus)(nil)
	_ cache.Metrics     = (*Prometheus)(nil)
	_ storage.Metrics   = (*Prometheus)(nil)
)

// Prometheus implements the metrics interfaces of the knowledge, cache and
// storage packages on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	embedDuration    *prometheus.HistogramVec
	embedBatch       prometheus.Histogram
	retrieveDuration *prometheus.HistogramVec
	retrieveResults  *prometheus.HistogramVec
	retrieveCache    *prometheus.CounterVec
	indexed          prometheus.Counter
	invalidations    prometheus.Counter
	evicted          prometheus.Counter
	cacheEvents      *prometheus.CounterVec
	stored           *prometheus.CounterVec
	storedBytes      *prometheus.CounterVec
	readDuration     *prometheus.HistogramVec
}

// New registers every collector under namespace, plus the Go and process collectors.
func New(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "nim_knowledge"
	}
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		embedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "embed", Name: "duration_seconds",
			Help:    "Latency of embedding provider calls.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"outcome"}),
		embedBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "embed", Name: "batch_size",
			Help:    "Texts per embedding provider call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		retrieveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "duration_seconds",
			Help:    "Latency of retrievals, including cache lookups.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op", "outcome"}),
		retrieveResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "results",
			Help:    "Results returned per retrieval.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}, []string{"op"}),
		retrieveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "total",
			Help: "Retrievals by cache outcome.",
		}, []string{"op", "cache"}),
		indexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "items_total",
			Help: "Knowledge items written to the vector index.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "invalidation_patterns_total",
			Help: "Cache invalidation patterns applied.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "invalidated_keys_total",
			Help: "Cache keys removed by invalidation.",
		}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "events_total",
			Help: "Cache operations by outcome (hit, miss, error).",
		}, []string{"op", "outcome"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "memories_stored_total",
			Help: "Memories written, by storage mode.",
		}, []string{"mode"}),
		storedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "stored_bytes_total",
			Help: "Uncompressed bytes written, by storage mode.",
		}, []string{"mode"}),
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "read_duration_seconds",
			Help:    "Latency of memory reads, by storage mode.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"mode", "outcome"}),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.embedDuration, p.embedBatch,
		p.retrieveDuration, p.retrieveResults, p.retrieveCache,
		p.indexed, p.invalidations, p.evicted, p.cacheEvents,
		p.stored, p.storedBytes, p.readDuration,
	)
	return p
}

// Registry returns the registry the collectors are registered on.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (p *Prometheus) ObserveEmbed(batch int, d time.Duration, err error) {
	p.embedDuration.WithLabelValues(outcome(err)).Observe(d.Seconds())
	p.embedBatch.Observe(float64(batch))
}

func (p *Prometheus) ObserveRetrieve(op string, d time.Duration, results int, cacheHit bool, err error) {
	p.retrieveDuration.WithLabelValues(op, outcome(err)).Observe(d.Seconds())
	if err != nil {
		return
	}
	p.retrieveResults.WithLabelValues(op).Observe(float64(results))
	hit := "miss"
	if cacheHit {
		hit = "hit"
	}
	p.retrieveCache.WithLabelValues(op, hit).Inc()
}

func (p *Prometheus) ObserveIndexed(n int) {
	p.indexed.Add(float64(n))
}

func (p *Prometheus) ObserveInvalidation(patterns, evicted int) {
	p.invalidations.Add(float64(patterns))
	p.evicted.Add(float64(evicted))
}

func (p *Prometheus) CacheEvent(op, outcome string) {
	p.cacheEvents.WithLabelValues(op, outcome).Inc()
}

func (p *Prometheus) ObserveStored(mode string, bytes int64) {
	p.stored.WithLabelValues(mode).Inc()
	p.storedBytes.WithLabelValues(mode).Add(float64(bytes))
}

func (p *Prometheus) ObserveRead(mode string, d time.Duration, err error) {
	if mode == "" {
		mode = "unknown"
	}
	p.readDuration.WithLabelValues(mode, outcome(err)).Observe(d.Seconds())
}
