package query

import (
	"context"
	"sync"
	"time"

	"github.com/brooklime/refetch/internal/entrystore"
)

// fetcherHandle is the type-erased view of a *FetcherStore[V] that the
// engine and registry operate on without knowing V. Every method is called
// by the engine, never by user code.
type fetcherHandle interface {
	epoch() int64
	currentKey() string
	resolvedConfig() resolvedConfig
	runFetch(ctx context.Context, key string) (any, error)
	applyLoading(key string, hasData bool, data any, clearData bool, promise <-chan struct{})
	applySettled(key string, atEpoch int64, e entrystore.Entry[any])
	applyDisabled()
	revalidateOptIn() (onFocus, onReconnect bool)
	forceRevalidate()
}

// keyState is the shared per-canonical-key coordination record: the
// in-flight promise (at most one per key), the retry counter and
// timer, and the set of stores currently resolved to this key (used to
// fan out invalidate/revalidate and settle notifications).
type keyState struct {
	mu             sync.Mutex
	inflightDone   chan struct{}
	inflightResult any
	inflightErr    error
	lastFetchStart int64
	retryCount     int
	retryTimer     *time.Timer
	handles        map[fetcherHandle]struct{}

	// fetchEpochs records, per handle, the generation that handle was on
	// when it started or joined the current/most recent fetch attempt for
	// this key. Publishing consults this captured value instead of a
	// handle's live epoch, so a handle that has since left and returned to
	// this same key (a new generation, same key string) does not accept a
	// stale result from the fetch it left behind.
	fetchEpochs map[fetcherHandle]int64
}

func newKeyState() *keyState {
	return &keyState{handles: make(map[fetcherHandle]struct{})}
}

// Context is the process-wide (per-instance) container: the shared cache,
// resolved defaults, the registry of active fetcher stores by canonical
// key, and the global invalidate/mutate API.
type Context struct {
	store *entrystore.Store[any]
	clock entrystore.Clock

	mu       sync.RWMutex
	defaults Options
	override *configPatch

	env     alwaysVisibleNeverReconnectsOr
	metrics Metrics

	regMu sync.Mutex
	keys  map[string]*keyState

	stopReaper chan struct{}
}

// alwaysVisibleNeverReconnectsOr bundles the three environment sources
// with their no-op defaults, resolved once at construction.
type alwaysVisibleNeverReconnectsOr struct {
	Visibility VisibilitySource
	Focus      FocusSource
	Online     OnlineSource
}

// New constructs a shared Context; the generic MakeFetcher/MakeMutator
// functions bind to it explicitly (see doc.go for why these are free
// functions rather than closures).
func New(opts Options) *Context {
	base := defaultOptions()
	if opts.DedupeTime > 0 {
		base.DedupeTime = opts.DedupeTime
	}
	if opts.CacheLifetime > 0 {
		base.CacheLifetime = opts.CacheLifetime
	}
	base.RevalidateInterval = opts.RevalidateInterval
	base.RevalidateOnFocus = opts.RevalidateOnFocus
	base.RevalidateOnReconnect = opts.RevalidateOnReconnect
	base.OnError = opts.OnError
	base.OnErrorRetry = opts.OnErrorRetry

	clock := opts.Clock
	storeOpts := []entrystore.Option[any]{}
	if clock != nil {
		storeOpts = append(storeOpts, entrystore.WithClock[any](clock))
	}

	env := alwaysVisibleNeverReconnectsOr{Visibility: opts.Visibility, Focus: opts.Focus, Online: opts.Online}
	if env.Visibility == nil {
		env.Visibility = defaultEnv
	}
	if env.Focus == nil {
		env.Focus = defaultEnv
	}
	if env.Online == nil {
		env.Online = defaultEnv
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	c := &Context{
		store:      entrystore.New(storeOpts...),
		clock:      clock,
		defaults:   base,
		env:        env,
		metrics:    metrics,
		keys:       make(map[string]*keyState),
		stopReaper: make(chan struct{}),
	}
	c.store.StartReaper(time.Minute, c.stopReaper)
	c.installEnvListeners()
	return c
}

// SeedCache constructs a Context whose cache is pre-populated (server-side
// hydration). Values are stored as `any`; a fetcher store reading a seeded
// key must use the same V it was written with.
func SeedCache(opts Options, initial map[string]entrystore.Entry[any]) *Context {
	c := New(opts)
	for k, e := range initial {
		c.store.Set(k, e)
	}
	return c
}

func (c *Context) now() int64 {
	if c.clock != nil {
		return c.clock.NowUnixNano()
	}
	return timeNowUnixNano()
}

// resolvedFor merges the Context's defaults with a per-store patch and any
// live test override, in that precedence order.
func (c *Context) resolvedFor(local configPatch) resolvedConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.override != nil {
		return resolve(c.defaults, local, *c.override)
	}
	return resolve(c.defaults, local)
}

// UnsafeOverruleSettings replaces/augments the resolved defaults used by
// all subsequent engine decisions. Test-only.
func (c *Context) UnsafeOverruleSettings(patch configPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = &patch
}

func (c *Context) keyStateFor(key string) *keyState {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	ks, ok := c.keys[key]
	if !ok {
		ks = newKeyState()
		c.keys[key] = ks
	}
	return ks
}

func (c *Context) register(key string, h fetcherHandle) {
	ks := c.keyStateFor(key)
	ks.mu.Lock()
	ks.handles[h] = struct{}{}
	ks.mu.Unlock()
}

func (c *Context) unregister(key string, h fetcherHandle) {
	c.regMu.Lock()
	ks, ok := c.keys[key]
	c.regMu.Unlock()
	if !ok {
		return
	}
	ks.mu.Lock()
	delete(ks.handles, h)
	empty := len(ks.handles) == 0 && ks.inflightDone == nil && ks.retryTimer == nil
	ks.mu.Unlock()
	if empty {
		c.regMu.Lock()
		if cur, ok := c.keys[key]; ok && cur == ks {
			delete(c.keys, key)
		}
		c.regMu.Unlock()
	}
}

func (c *Context) activeHandles(key string) []fetcherHandle {
	c.regMu.Lock()
	ks, ok := c.keys[key]
	c.regMu.Unlock()
	if !ok {
		return nil
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]fetcherHandle, 0, len(ks.handles))
	for h := range ks.handles {
		out = append(out, h)
	}
	return out
}

// InvalidateKeys resolves selector against keys present in the cache or
// with active subscribers, and invalidates each.
func (c *Context) InvalidateKeys(sel Selector) {
	seen := map[string]struct{}{}
	c.store.ScanKeys(sel.matches, func(key string, _ entrystore.Entry[any]) {
		seen[key] = struct{}{}
	})
	c.regMu.Lock()
	for key := range c.keys {
		if sel.matches(key) {
			seen[key] = struct{}{}
		}
	}
	c.regMu.Unlock()

	for key := range seen {
		c.Invalidate(key)
	}
}

// MutateCache writes value into every matching cache key and republishes
// to active stores, or deletes the entry when hasValue is false.
func (c *Context) MutateCache(sel Selector, value any, hasValue bool) {
	seen := map[string]struct{}{}
	c.store.ScanKeys(sel.matches, func(key string, _ entrystore.Entry[any]) {
		seen[key] = struct{}{}
	})
	c.regMu.Lock()
	for key := range c.keys {
		if sel.matches(key) {
			seen[key] = struct{}{}
		}
	}
	c.regMu.Unlock()

	for key := range seen {
		c.writeAndPublish(key, value, hasValue)
	}
}

func (c *Context) writeAndPublish(key string, value any, hasValue bool) {
	if !hasValue {
		c.store.Delete(key)
	} else {
		now := c.now()
		cfg := c.resolvedFor(configPatch{})
		c.store.Set(key, entrystore.Entry[any]{
			Data: value, HasData: true, Created: now, Expires: now + int64(cfg.CacheLifetime),
		})
	}
	for _, h := range c.activeHandles(key) {
		if hasValue {
			h.applySettled(key, h.epoch(), entrystore.Entry[any]{Data: value, HasData: true, Created: c.now()})
		} else {
			h.applySettled(key, h.epoch(), entrystore.Entry[any]{})
		}
	}
}

// Close stops the background cache reaper. The focus/online listeners
// installed by New are not removed.
func (c *Context) Close() error {
	close(c.stopReaper)
	return nil
}

func (c *Context) installEnvListeners() {
	c.env.Focus.OnFocus(func() {
		c.revalidateAll(func(h fetcherHandle) bool {
			onFocus, _ := h.revalidateOptIn()
			return onFocus
		})
	})
	c.env.Online.OnReconnect(func() {
		c.revalidateAll(func(h fetcherHandle) bool {
			_, onReconnect := h.revalidateOptIn()
			return onReconnect
		})
	})
}

func (c *Context) revalidateAll(want func(fetcherHandle) bool) {
	c.regMu.Lock()
	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	c.regMu.Unlock()

	for _, key := range keys {
		for _, h := range c.activeHandles(key) {
			if want(h) {
				c.revalidateHandle(key, h)
			}
		}
	}
}
