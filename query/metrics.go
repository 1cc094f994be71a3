package query

// Metrics observes fetch-engine activity: cache hits/misses, fetch
// dispatch and outcome, and retry scheduling. Mirrors a sharded cache's
// Metrics shape, generalized from cache hit/miss/evict to the fetch
// lifecycle this engine coordinates.
type Metrics interface {
	CacheHit(key string)
	CacheMiss(key string)
	FetchStart(key string)
	FetchSuccess(key string)
	FetchError(key string)
	Dedup(key string)
	Retry(key string, attempt int)
}

// NoopMetrics is the default Metrics implementation; it does nothing and
// is safe for concurrent use.
type NoopMetrics struct{}

func (NoopMetrics) CacheHit(string)       {}
func (NoopMetrics) CacheMiss(string)      {}
func (NoopMetrics) FetchStart(string)     {}
func (NoopMetrics) FetchSuccess(string)   {}
func (NoopMetrics) FetchError(string)     {}
func (NoopMetrics) Dedup(string)          {}
func (NoopMetrics) Retry(string, int)     {}

var _ Metrics = NoopMetrics{}
