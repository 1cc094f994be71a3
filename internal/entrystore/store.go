package entrystore

import "time"

// Clock provides time in UnixNano; overridable for deterministic tests,
// mirroring a sharded cache's fake-clock testing style.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Store is a sharded, in-memory map from canonical key to Entry.
// Replacement is purely time-based: Get treats an entry past its Expires
// as absent and evicts it. There is no count- or cost-based eviction.
type Store[V any] struct {
	shards []*shard[V]
	clock  Clock
}

// Option configures a Store at construction.
type Option[V any] func(*Store[V])

// WithClock overrides the time source (tests only).
func WithClock[V any](c Clock) Option[V] {
	return func(s *Store[V]) { s.clock = c }
}

// WithShards sets the shard count instead of the CPU-based default,
// rounded up to the next power of two; n <= 0 keeps the default.
func WithShards[V any](n int) Option[V] {
	return func(s *Store[V]) {
		if n > 0 {
			s.shards = make([]*shard[V], int(nextPow2(uint64(n))))
		}
	}
}

// New constructs an empty Store.
func New[V any](opts ...Option[V]) *Store[V] {
	s := &Store[V]{clock: systemClock{}}
	for _, o := range opts {
		o(s)
	}
	if s.shards == nil {
		n := reasonableShardCount()
		s.shards = make([]*shard[V], n)
	}
	for i := range s.shards {
		s.shards[i] = newShard[V]()
	}
	return s
}

// Seed constructs a Store pre-populated from a canonicalKey → Entry map
// (server-side hydration). Seeded entries are consulted exactly like
// engine-written ones.
func Seed[V any](initial map[string]Entry[V], opts ...Option[V]) *Store[V] {
	s := New(opts...)
	for k, e := range initial {
		s.Set(k, e)
	}
	return s
}

func (s *Store[V]) now() int64 { return s.clock.NowUnixNano() }

func (s *Store[V]) shardFor(key string) *shard[V] {
	h := hashKey(key)
	idx := shardIndex(h, len(s.shards))
	return s.shards[idx]
}

// Get returns the entry for key and a presence flag. An entry past its
// Expires is treated as absent.
func (s *Store[V]) Get(key string) (Entry[V], bool) {
	return s.shardFor(key).get(key, s.now())
}

// Set inserts or overwrites the entry for key.
func (s *Store[V]) Set(key string, e Entry[V]) {
	s.shardFor(key).set(key, e)
}

// Delete removes key if present, returning true on success.
func (s *Store[V]) Delete(key string) bool {
	return s.shardFor(key).delete(key)
}

// Len returns the total number of resident entries across all shards,
// including any not yet lazily reaped.
func (s *Store[V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.len()
	}
	return total
}

// ScanKeys calls fn for every live key whose canonical key satisfies match.
// This backs Context.InvalidateKeys / MutateCache selector resolution
// against keys present in the cache.
func (s *Store[V]) ScanKeys(match func(key string) bool, fn func(key string, e Entry[V])) {
	now := s.now()
	for _, sh := range s.shards {
		sh.scan(now, func(key string, e Entry[V]) {
			if match == nil || match(key) {
				fn(key, e)
			}
		})
	}
}

// ReapExpired sweeps every shard for expired entries and returns the total
// removed. Intended to be called periodically by a background goroutine
// (see query.Context's reaper); correctness of Get never depends on this
// running, it only bounds memory held by keys nobody has read lately.
func (s *Store[V]) ReapExpired() int {
	now := s.now()
	n := 0
	for _, sh := range s.shards {
		n += sh.reapExpired(now)
	}
	return n
}

// StartReaper launches a background goroutine that calls ReapExpired every
// interval until stop is closed (query.Context.Close closes it). A
// non-positive interval starts nothing.
func (s *Store[V]) StartReaper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.ReapExpired()
			}
		}
	}()
}
