package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exposes events as Prometheus counters and histograms on its
// own registry.
type Prometheus struct {
	registry     *prometheus.Registry
	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	items        *prometheus.CounterVec
	conflicts    prometheus.Counter
	queued       prometheus.Counter
	cache        *prometheus.CounterVec
	suitable     prometheus.Gauge
}

// NewPrometheus creates and registers the sync collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "passes_total",
			Help:      "Sync passes by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offsync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of completed sync passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "items_total",
			Help:      "Offline changes processed by outcome and operation.",
		}, []string{"outcome", "operation"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "manual_conflicts_total",
			Help:      "Changes held back for manual conflict resolution.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "changes_queued_total",
			Help:      "Operations durably queued.",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "cache_events_total",
			Help:      "Cache hits, misses, evictions and expirations.",
		}, []string{"kind"}),
		suitable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offsync",
			Name:      "connectivity_suitable",
			Help:      "1 when the network is suitable for sync.",
		}),
	}
	p.registry.MustRegister(p.passes, p.passDuration, p.items, p.conflicts, p.queued, p.cache, p.suitable)
	return p
}

// Registry returns the registry holding the sync collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Record updates the collectors for e.
func (p *Prometheus) Record(e Event) {
	switch e.Type {
	case PassCompleted:
		p.passes.WithLabelValues("completed").Inc()
		if e.Pass != nil {
			p.passDuration.Observe(e.Pass.Duration.Seconds())
		}
	case PassFailed:
		p.passes.WithLabelValues("failed").Inc()
	case PassSkipped:
		p.passes.WithLabelValues("skipped").Inc()
	case ItemSynced:
		p.items.WithLabelValues("synced", e.Operation).Inc()
	case ItemFailed:
		p.items.WithLabelValues("failed", e.Operation).Inc()
	case ItemDeferred:
		p.items.WithLabelValues("deferred", e.Operation).Inc()
	case ConflictManual:
		p.conflicts.Inc()
	case ChangeQueued:
		p.queued.Inc()
	case CacheHit:
		p.cache.WithLabelValues("hit").Inc()
	case CacheMiss:
		p.cache.WithLabelValues("miss").Inc()
	case CacheEviction:
		p.cache.WithLabelValues("eviction").Inc()
	case CacheExpired:
		p.cache.WithLabelValues("expired").Inc()
	case ConnectivityChanged:
		if suitable, ok := e.Attrs["suitable"].(bool); ok {
			if suitable {
				p.suitable.Set(1)
			} else {
				p.suitable.Set(0)
			}
		}
	}
}
