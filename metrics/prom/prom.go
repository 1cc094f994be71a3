// Package prom adapts query.Metrics onto Prometheus counters, grounded on
// a sharded in-memory cache's own metrics/prom adapter.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brooklime/refetch/query"
)

// Adapter implements query.Metrics and exports Prometheus counters. Safe
// for concurrent use; Prometheus metric types are goroutine-safe.
type Adapter struct {
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	fetchStarts prometheus.Counter
	fetchOK     prometheus.Counter
	fetchErr    prometheus.Counter
	dedups      prometheus.Counter
	retries     *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "cache_hits_total",
			Help: "Fetcher cache hits", ConstLabels: constLabels,
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "cache_misses_total",
			Help: "Fetcher cache misses", ConstLabels: constLabels,
		}),
		fetchStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "fetch_starts_total",
			Help: "Network fetches dispatched", ConstLabels: constLabels,
		}),
		fetchOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "fetch_success_total",
			Help: "Network fetches that succeeded", ConstLabels: constLabels,
		}),
		fetchErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "fetch_error_total",
			Help: "Network fetches that failed", ConstLabels: constLabels,
		}),
		dedups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "dedup_total",
			Help:        "Fetches coalesced into an in-flight call or dropped by the dedupe window",
			ConstLabels: constLabels,
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "retries_total",
			Help: "Retry attempts scheduled after a fetch error", ConstLabels: constLabels,
		}, []string{"key"}),
	}
	reg.MustRegister(a.cacheHits, a.cacheMisses, a.fetchStarts, a.fetchOK, a.fetchErr, a.dedups, a.retries)
	return a
}

func (a *Adapter) CacheHit(string)     { a.cacheHits.Inc() }
func (a *Adapter) CacheMiss(string)    { a.cacheMisses.Inc() }
func (a *Adapter) FetchStart(string)   { a.fetchStarts.Inc() }
func (a *Adapter) FetchSuccess(string) { a.fetchOK.Inc() }
func (a *Adapter) FetchError(string)   { a.fetchErr.Inc() }
func (a *Adapter) Dedup(string)        { a.dedups.Inc() }

// Retry increments the per-key retry counter; attempt is not itself
// recorded as a label to keep cardinality bounded.
func (a *Adapter) Retry(key string, attempt int) {
	a.retries.WithLabelValues(key).Inc()
}

var _ query.Metrics = (*Adapter)(nil)
