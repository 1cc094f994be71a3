package query

import (
	"context"
	"sync"

	"github.com/brooklime/refetch/internal/singleflight"
)

// CacheUpdater lets a mutate function read the current cached value for a
// key and immediately stage a replacement (an optimistic/pessimistic cache
// update hook). Calling Set writes the cache entry and republishes to any
// active fetcher store on that key right away, before the mutation itself
// settles.
type CacheUpdater[V any] struct {
	Previous    V
	HasPrevious bool
	Set         func(V)
}

// MutationContext is passed to a MutateFunc in place of a bare
// context.Context: it carries the cancellation context plus the
// capabilities to reach into the shared cache (GetCacheUpdater) and to
// invalidate by predicate (Invalidate) from within the mutation function.
type MutationContext struct {
	ctx context.Context
	reg *Context

	mu       sync.Mutex
	deferred []Selector
}

// Ctx returns the underlying context.Context, for cancellation-aware calls
// inside the mutation function.
func (mc *MutationContext) Ctx() context.Context { return mc.ctx }

// Invalidate invalidates every key matching sel immediately.
func (mc *MutationContext) Invalidate(sel Selector) { mc.reg.InvalidateKeys(sel) }

// GetCacheUpdater returns a CacheUpdater for key: Previous/HasPrevious
// reflect the cache entry as of this call, and Set writes a new value
// immediately, publishing it to any active fetcher store resolved to key.
// autoInvalidate defaults to true (queue an invalidation of key to run once
// the mutation settles successfully, forcing a refetch that confirms the
// optimistic write); pass false to let the optimistic value stand until
// something else overwrites it.
func GetCacheUpdater[V any](mc *MutationContext, key string, autoInvalidate ...bool) CacheUpdater[V] {
	auto := true
	if len(autoInvalidate) > 0 {
		auto = autoInvalidate[0]
	}

	var prev V
	hasPrev := false
	if entry, ok := mc.reg.store.Get(key); ok && entry.HasData {
		if v, ok := entry.Data.(V); ok {
			prev, hasPrev = v, true
		}
	}

	if auto {
		mc.mu.Lock()
		mc.deferred = append(mc.deferred, Key(key))
		mc.mu.Unlock()
	}

	return CacheUpdater[V]{
		Previous:    prev,
		HasPrevious: hasPrev,
		Set: func(v V) {
			mc.reg.writeAndPublish(key, v, true)
		},
	}
}

// MutateFunc performs one mutation attempt. mctx exposes the mutation's
// cancellation context plus the cache-access capabilities documented on
// MutationContext.
type MutateFunc[Arg, R any] func(mctx *MutationContext, arg Arg) (R, error)

// MutationState is the value a MutatorStore publishes to its subscribers.
type MutationState[R any] struct {
	Data    R
	HasData bool
	Err     error
	Loading bool
}

// MutatorOption configures a MutatorStore at construction time.
type MutatorOption[R any] func(*mutatorConfig[R])

type mutatorConfig[R any] struct {
	throttle    bool
	invalidates []Selector
}

// WithThrottle overrides the default throttled-calls behavior (on by
// default: a Mutate call joins one already in flight rather than invoking
// fn a second time), grounded on the same singleflight leader/follower
// shape the fetch engine uses for per-key dedupe.
func WithThrottle[R any](b bool) MutatorOption[R] {
	return func(c *mutatorConfig[R]) { c.throttle = b }
}

// WithInvalidates queues Context.InvalidateKeys(sel) to run once the
// mutation settles successfully.
func WithInvalidates[R any](sel Selector) MutatorOption[R] {
	return func(c *mutatorConfig[R]) { c.invalidates = append(c.invalidates, sel) }
}

// MutatorStore drives a write operation with the same shared-state
// discipline as FetcherStore: a single Loading/Data/Err triple published
// to subscribers, and an optional cache-invalidation side effect once the
// mutation completes.
type MutatorStore[Arg, R any] struct {
	c    *Context
	fn   MutateFunc[Arg, R]
	cfg  mutatorConfig[R]
	sf   singleflight.Group[string, R]

	mu        sync.Mutex
	value     MutationState[R]
	listeners map[int]func(MutationState[R])
	nextID    int
	refCount  int
}

// MakeMutator builds a mutator store bound to c, for the same reason
// MakeFetcher is a free function (see doc.go). throttleCalls defaults to
// true; pass WithThrottle(false) to invoke fn on every concurrent call
// instead of joining an in-flight one.
func MakeMutator[Arg, R any](c *Context, fn MutateFunc[Arg, R], opts ...MutatorOption[R]) *MutatorStore[Arg, R] {
	cfg := mutatorConfig[R]{throttle: true}
	for _, o := range opts {
		o(&cfg)
	}
	return &MutatorStore[Arg, R]{
		c:         c,
		fn:        fn,
		cfg:       cfg,
		listeners: make(map[int]func(MutationState[R])),
	}
}

// Mutate runs the mutation, publishing Loading then the settled result.
// With throttleCalls (the default), concurrent calls share a single
// underlying fn invocation instead of each invoking fn separately. Any
// GetCacheUpdater.Set call inside fn takes effect immediately; invalidations
// queued via WithInvalidates or a default-autoInvalidate GetCacheUpdater run
// only once the mutation settles successfully.
func (m *MutatorStore[Arg, R]) Mutate(ctx context.Context, arg Arg) (R, error) {
	m.publish(MutationState[R]{Loading: true})

	mctx := &MutationContext{ctx: ctx, reg: m.c}
	run := func() (R, error) { return m.fn(mctx, arg) }

	var data R
	var err error
	if m.cfg.throttle {
		data, err = m.sf.Do(ctx, "mutate", run)
	} else {
		data, err = run()
	}

	if err != nil {
		m.publish(MutationState[R]{Err: err})
		return data, wrapErr("", err)
	}

	m.publish(MutationState[R]{Data: data, HasData: true})
	for _, sel := range m.cfg.invalidates {
		m.c.InvalidateKeys(sel)
	}
	mctx.mu.Lock()
	deferred := mctx.deferred
	mctx.mu.Unlock()
	for _, sel := range deferred {
		m.c.InvalidateKeys(sel)
	}
	return data, nil
}

// Get returns the last published mutation state.
func (m *MutatorStore[Arg, R]) Get() MutationState[R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Listen subscribes to mutation state changes. When the last subscriber
// unsubscribes, the published data/error reset to undefined: a mutator is
// a one-shot result surface, not a cache, so a later Listen call must not
// replay a stale prior result.
func (m *MutatorStore[Arg, R]) Listen(fn func(MutationState[R])) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.refCount++
	cur := m.value
	m.mu.Unlock()

	fn(cur)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.refCount--
		if m.refCount == 0 {
			m.value = MutationState[R]{}
		}
		m.mu.Unlock()
	}
}

func (m *MutatorStore[Arg, R]) publish(next MutationState[R]) {
	m.mu.Lock()
	m.value = next
	listeners := make([]func(MutationState[R]), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn := fn
		go fn(next)
	}
}
