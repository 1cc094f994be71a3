// Package keyspec implements the key resolver: it
// turns a declared key specification — an ordered sequence of parts, each a
// static scalar, a reactive atom, or another fetcher store — into either a
// canonical key string or the disabled sentinel, and it notifies on any
// change to any reactive input, coalescing synchronous multi-part changes
// into a single recomputation per tick.
package keyspec

import "sync"

// Atom is the minimal external reactive-value contract a key part can
// depend on: a readable current value plus change notification. This is
// the generic reactive atom/store primitive treated as an
// external collaborator; keyspec only ever consumes it through this
// interface. A reference implementation lives in package atom.
type Atom interface {
	Value() any
	Subscribe(listener func()) (unsubscribe func())
}

// CanonicalKeyer is implemented by a fetcher store used as a key part of
// another fetcher store. The dependent's contribution is the
// upstream's canonical key string, never its data, and per the resolved
// Open Question in DESIGN.md this is read regardless of the upstream's
// loading state. An empty key means "disabled," which propagates: a
// disabled upstream disables anything keyed off it.
type CanonicalKeyer interface {
	Key() string
	SubscribeKey(listener func()) (unsubscribe func())
}

// KeyPart is one element of a key specification.
type KeyPart interface {
	// resolve returns the part's current value. nil (or an empty string
	// for a CanonicalKeyer part) disables the composite key.
	resolve() any
	// watch subscribes to changes in this part, if any (static parts
	// return a nil unsubscribe func since they never change).
	watch(notify func()) (unsubscribe func())
}

// staticPart wraps an already-resolved, unchanging value: a string,
// number, or bool literal used verbatim in a key spec.
type staticPart struct{ v any }

// Static returns a key part carrying a fixed value — the composite key's
// non-reactive segments (e.g. a URL prefix).
func Static(v any) KeyPart { return staticPart{v} }

func (p staticPart) resolve() any                      { return p.v }
func (p staticPart) watch(func()) (unsubscribe func()) { return nil }

// atomPart wraps a reactive Atom.
type atomPart struct{ a Atom }

// FromAtom returns a key part whose value tracks a. Set() calls (via the
// Atom's own API) after subscription drive re-resolution.
func FromAtom(a Atom) KeyPart { return atomPart{a} }

func (p atomPart) resolve() any {
	v := p.a.Value()
	// Atom-of-atom: resolve recursively.
	if nested, ok := v.(Atom); ok {
		return atomPart{nested}.resolve()
	}
	return v
}

func (p atomPart) watch(notify func()) (unsubscribe func()) {
	return p.a.Subscribe(notify)
}

// upstreamPart wraps another fetcher store used as a key part.
type upstreamPart struct{ s CanonicalKeyer }

// FromStore returns a key part whose value is the upstream store's
// canonical key string, not its data.
func FromStore(s CanonicalKeyer) KeyPart { return upstreamPart{s} }

func (p upstreamPart) resolve() any {
	k := p.s.Key()
	if k == "" {
		return nil // disabled upstream propagates disablement
	}
	return k
}

func (p upstreamPart) watch(notify func()) (unsubscribe func()) {
	return p.s.SubscribeKey(notify)
}

// Disabled is returned by Resolve when any part resolves to nil.
const Disabled = ""

// Resolve concatenates the resolved parts into a canonical key string, with
// no separator. It returns ("", false) if any part is
// disabled.
func Resolve(parts []KeyPart) (key string, ok bool) {
	var b []byte
	for _, p := range parts {
		v := p.resolve()
		if v == nil {
			return Disabled, false
		}
		s, valid := stringify(v)
		if !valid {
			return Disabled, false
		}
		b = append(b, s...)
	}
	return string(b), true
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return formatInt(t), true
	case float32:
		return formatFloat(float64(t)), true
	case float64:
		return formatFloat(t), true
	default:
		return "", false
	}
}

// Resolver owns a key spec's lifetime: it subscribes to every reactive part
// while active and coalesces concurrent change notifications into a single
// callback per tick, mirroring a JS microtask boundary with a size-1
// pending channel drained by a dedicated goroutine.
type Resolver struct {
	parts []KeyPart

	mu      sync.Mutex
	unsubs  []func()
	pending chan struct{}
	done    chan struct{}
	active  bool
}

// NewResolver constructs a Resolver for parts. onChange is invoked (from
// the resolver's own goroutine, never concurrently with itself) at most
// once per batch of synchronous part changes.
func NewResolver(parts []KeyPart) *Resolver {
	return &Resolver{
		parts:   parts,
		pending: make(chan struct{}, 1),
	}
}

// Start subscribes to every reactive part and begins coalescing change
// notifications, delivering them to onChange until Stop is called.
func (r *Resolver) Start(onChange func()) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return
	}
	r.active = true
	r.done = make(chan struct{})
	done := r.done
	for _, p := range r.parts {
		if unsub := p.watch(r.notify); unsub != nil {
			r.unsubs = append(r.unsubs, unsub)
		}
	}
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-r.pending:
				onChange()
			}
		}
	}()
}

// notify schedules a single coalesced recomputation; concurrent or
// back-to-back calls before the drain goroutine wakes up collapse into one,
// because the channel send is a non-blocking best-effort signal.
func (r *Resolver) notify() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

// Stop unsubscribes from every reactive part and halts the drain goroutine.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.active = false
	close(r.done)
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

// Resolve resolves the current key immediately (no subscription side
// effects), for use both while active and for a one-off check before Start.
func (r *Resolver) Resolve() (key string, ok bool) {
	return Resolve(r.parts)
}
