package query

import (
	"context"
	"sync"
	"time"

	"github.com/brooklime/refetch/internal/entrystore"
	"github.com/brooklime/refetch/keyspec"
)

// FetchFunc performs the actual network/database call for a resolved
// canonical key. ctx is not cancelled while the call runs, even if every
// subscriber unmounts before it settles; the result is still written to
// the shared cache for the next subscriber.
type FetchFunc[V any] func(ctx context.Context, key string) (V, error)

// FetcherOption configures one FetcherStore at construction time,
// overriding the Context's resolved defaults for that store only.
type FetcherOption[V any] func(*fetcherConfig[V])

type fetcherConfig[V any] struct {
	patch configPatch
	fetch FetchFunc[V]
}

func WithDedupeTime[V any](d time.Duration) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.patch.DedupeTime = &d }
}

func WithCacheLifetime[V any](d time.Duration) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.patch.CacheLifetime = &d }
}

func WithRevalidateInterval[V any](d time.Duration) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.patch.RevalidateInterval = &d }
}

func WithRevalidateOnFocus[V any](b bool) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.patch.RevalidateOnFocus = &b }
}

func WithRevalidateOnReconnect[V any](b bool) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.patch.RevalidateOnReconnect = &b }
}

func WithOnError[V any](fn func(err error, key string)) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.patch.OnError = fn }
}

func WithOnErrorRetry[V any](fn func(RetryInfo) time.Duration) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.patch.OnErrorRetry = fn }
}

// FetcherStore is a reactive keyed cache entry point: its
// canonical key is derived from parts, its value is served from and kept
// in sync with the Context's shared cache, and network calls to fetch are
// deduplicated and coordinated across every store sharing the same key.
type FetcherStore[V any] struct {
	c     *Context
	parts []keyspec.KeyPart
	fetch FetchFunc[V]
	patch configPatch

	resolver *keyspec.Resolver

	mu        sync.Mutex
	key       string
	keyOK     bool
	ep        int64
	value     State[V]
	listeners map[int]func(State[V])
	nextID    int
	refCount  int
	stopTick  chan struct{}

	keyListeners   map[int]func()
	keyListenersID int
}

// MakeFetcher builds a fetcher store bound to c. It is a free function
// rather than a method returned from a factory closure because Go cannot
// express a factory generic over a type parameter chosen at each call
// site (see doc.go).
func MakeFetcher[V any](c *Context, parts []keyspec.KeyPart, opts ...FetcherOption[V]) *FetcherStore[V] {
	cfg := fetcherConfig[V]{}
	for _, o := range opts {
		o(&cfg)
	}
	f := &FetcherStore[V]{
		c:            c,
		parts:        parts,
		fetch:        cfg.fetch,
		patch:        cfg.patch,
		listeners:    make(map[int]func(State[V])),
		keyListeners: make(map[int]func()),
	}
	f.resolver = keyspec.NewResolver(parts)
	return f
}

// WithFetcher attaches the fetch function; kept separate from the other
// options so MakeFetcher(c, parts, WithFetcher(fn), WithDedupeTime(...))
// reads like every other functional-option call while still being the one
// mandatory piece of configuration.
func WithFetcher[V any](fn FetchFunc[V]) FetcherOption[V] {
	return func(c *fetcherConfig[V]) { c.fetch = fn }
}

// --- fetcherHandle adapter -------------------------------------------------

func (f *FetcherStore[V]) epoch() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ep
}

func (f *FetcherStore[V]) currentKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.keyOK {
		return ""
	}
	return f.key
}

func (f *FetcherStore[V]) resolvedConfig() resolvedConfig {
	return f.c.resolvedFor(f.patch)
}

func (f *FetcherStore[V]) runFetch(ctx context.Context, key string) (any, error) {
	if f.fetch == nil {
		var zero V
		return zero, nil
	}
	return f.fetch(ctx, key)
}

// applyLoading publishes a loading state. Error is never carried forward
// into a loading state. Data carries forward from whatever is currently
// published (stale-while-revalidate) unless clearData is set, which is
// Invalidate's "published value's data cleared to undefined" behavior;
// hasData/data can additionally seed a fresh value to publish alongside
// loading, overriding the carried-forward (or cleared) value.
func (f *FetcherStore[V]) applyLoading(key string, hasData bool, data any, clearData bool, promise <-chan struct{}) {
	f.mu.Lock()
	if key != f.key || !f.keyOK {
		f.mu.Unlock()
		return
	}
	next := State[V]{Key: key, Loading: true, Promise: promise}
	if !clearData {
		next.HasData = f.value.HasData
		next.Data = f.value.Data
	}
	if hasData {
		next.HasData = true
		next.Data, _ = data.(V)
	}
	f.setLocked(next)
	f.mu.Unlock()
}

func (f *FetcherStore[V]) applySettled(key string, atEpoch int64, e entrystore.Entry[any]) {
	f.mu.Lock()
	if key != f.key || !f.keyOK || atEpoch != f.ep {
		f.mu.Unlock()
		return
	}
	next := State[V]{Key: key}
	if e.Err != nil {
		next.Err = e.Err
		next.HasData = f.value.HasData
		next.Data = f.value.Data
	} else if e.HasData {
		v, _ := e.Data.(V)
		next.HasData = true
		next.Data = v
	}
	f.setLocked(next)
	f.mu.Unlock()
}

func (f *FetcherStore[V]) applyDisabled() {
	f.mu.Lock()
	f.setLocked(State[V]{})
	f.mu.Unlock()
}

func (f *FetcherStore[V]) revalidateOptIn() (onFocus, onReconnect bool) {
	cfg := f.resolvedConfig()
	return cfg.RevalidateOnFocus, cfg.RevalidateOnReconnect
}

func (f *FetcherStore[V]) forceRevalidate() {
	key := f.currentKey()
	if key == "" {
		return
	}
	f.c.revalidateHandle(key, f)
}

// --- public API -------------------------------------------------------------

// Get returns the current published state without subscribing.
func (f *FetcherStore[V]) Get() State[V] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Key returns the canonical key currently resolved, or "" if disabled.
// Implements keyspec.CanonicalKeyer so one fetcher store's key can feed
// into another's key spec via keyspec.FromStore.
func (f *FetcherStore[V]) Key() string {
	return f.currentKey()
}

// SubscribeKey notifies listener whenever the resolved canonical key
// changes (including transitions to/from disabled). Implements
// keyspec.CanonicalKeyer.
func (f *FetcherStore[V]) SubscribeKey(listener func()) (unsubscribe func()) {
	f.mu.Lock()
	id := f.keyListenersID
	f.keyListenersID++
	f.keyListeners[id] = listener
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.keyListeners, id)
		f.mu.Unlock()
	}
}

func (f *FetcherStore[V]) notifyKeyListeners() {
	f.mu.Lock()
	listeners := make([]func(), 0, len(f.keyListeners))
	for _, fn := range f.keyListeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Invalidate drops the cached entry for the current key and triggers a
// fresh fetch for every store sharing it.
func (f *FetcherStore[V]) Invalidate() {
	key := f.currentKey()
	if key == "" {
		return
	}
	f.c.Invalidate(key)
}

// Revalidate triggers a fresh fetch for the current key without evicting
// the existing cache entry first, so subscribers keep seeing stale data
// while the new attempt runs.
func (f *FetcherStore[V]) Revalidate() {
	f.forceRevalidate()
}

// Listen subscribes to state changes and returns an unsubscribe func. The
// engine activates (starts resolving keys and fetching) on the first
// listener and deactivates on the last unsubscribe.
func (f *FetcherStore[V]) Listen(fn func(State[V])) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	first := f.refCount == 0
	f.refCount++
	cur := f.value
	f.mu.Unlock()

	fn(cur)

	if first {
		f.activate()
	}

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.refCount--
		last := f.refCount == 0
		f.mu.Unlock()
		if last {
			f.deactivate()
		}
	}
}

func (f *FetcherStore[V]) setLocked(next State[V]) {
	if statesEqual(f.value, next) {
		return
	}
	f.value = next
	for _, fn := range f.listeners {
		fn := fn
		go fn(next)
	}
}

func (f *FetcherStore[V]) activate() {
	f.mu.Lock()
	f.stopTick = make(chan struct{})
	stop := f.stopTick
	f.mu.Unlock()

	f.resolver.Start(func() { f.onKeyChange() })
	f.onKeyChange()

	cfg := f.resolvedConfig()
	f.c.startRevalidateInterval(f.currentKey, cfg.RevalidateInterval, f, stop)
}

func (f *FetcherStore[V]) deactivate() {
	f.resolver.Stop()
	f.mu.Lock()
	if f.stopTick != nil {
		close(f.stopTick)
		f.stopTick = nil
	}
	oldKey, hadKey := f.key, f.keyOK
	f.keyOK = false
	f.mu.Unlock()
	if hadKey {
		f.c.unregister(oldKey, f)
	}
}

func (f *FetcherStore[V]) onKeyChange() {
	newKey, ok := f.resolver.Resolve()

	f.mu.Lock()
	oldKey, hadKey := f.key, f.keyOK
	if hadKey && oldKey == newKey && ok {
		f.mu.Unlock()
		return
	}
	f.ep++
	ep := f.ep
	f.key = newKey
	f.keyOK = ok
	f.mu.Unlock()

	f.notifyKeyListeners()

	if hadKey {
		f.c.unregister(oldKey, f)
	}
	if !ok {
		f.applyDisabled()
		return
	}
	f.c.register(newKey, f)
	f.resolveKey(newKey, ep)
}

var _ keyspec.CanonicalKeyer = (*FetcherStore[any])(nil)

// resolveKey runs the cache-hit / dedupe / background-refetch decision
// procedure whenever a store's key is (re-)activated. A cache hit publishes
// the stale entry immediately (stale-while-revalidate), but presence alone
// never suppresses a refetch: only an entry younger than the resolved
// dedupeTime is treated as fresh enough to skip startOrJoinFetch, which
// carries out its own in-flight join / dedupe-window check against
// concurrent activations of the same key.
func (f *FetcherStore[V]) resolveKey(key string, ep int64) {
	entry, ok := f.c.store.Get(key)
	if !ok {
		f.c.metrics.CacheMiss(key)
		f.c.startOrJoinFetch(key, f, false, false)
		return
	}

	f.c.metrics.CacheHit(key)
	f.applySettled(key, ep, entry)

	cfg := f.resolvedConfig()
	age := time.Duration(f.c.now() - entry.Created)
	fresh := cfg.DedupeTime > 0 && age < cfg.DedupeTime
	if fresh {
		return
	}
	f.c.startOrJoinFetch(key, f, false, false)
}
