package keyspec

import (
	"testing"

	"github.com/brooklime/refetch/atom"
)

func TestResolve_StaticParts(t *testing.T) {
	t.Parallel()

	key, ok := Resolve([]KeyPart{Static("/api"), Static("/key")})
	if !ok || key != "/api/key" {
		t.Fatalf("want /api/key, got %q ok=%v", key, ok)
	}
}

// A nil-valued atom disables the key; setting it enables resolution.
func TestResolve_NilAtomDisables(t *testing.T) {
	t.Parallel()

	id := atom.New[any](nil)
	parts := []KeyPart{Static("/api"), Static("/key/"), FromAtom(id)}

	if _, ok := Resolve(parts); ok {
		t.Fatal("expected disabled key while atom is nil")
	}

	id.Set("x")
	key, ok := Resolve(parts)
	if !ok || key != "/api/key/x" {
		t.Fatalf("want /api/key/x, got %q ok=%v", key, ok)
	}
}

func TestResolve_NumbersAndBools(t *testing.T) {
	t.Parallel()

	key, ok := Resolve([]KeyPart{Static("/n/"), Static(7), Static("/b/"), Static(true)})
	if !ok || key != "/n/7/b/true" {
		t.Fatalf("got %q ok=%v", key, ok)
	}
}

type fakeUpstream struct {
	key string
}

func (f *fakeUpstream) Key() string                              { return f.key }
func (f *fakeUpstream) SubscribeKey(func()) (unsubscribe func()) { return func() {} }

func TestResolve_UpstreamStoreContributesKey(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{key: "up:1"}
	key, ok := Resolve([]KeyPart{Static("dep:"), FromStore(up)})
	if !ok || key != "dep:up:1" {
		t.Fatalf("got %q ok=%v", key, ok)
	}

	up.key = "" // upstream disabled
	if _, ok := Resolve([]KeyPart{Static("dep:"), FromStore(up)}); ok {
		t.Fatal("expected disabled when upstream key is empty")
	}
}

func TestResolver_CoalescesSynchronousChanges(t *testing.T) {
	t.Parallel()

	a := atom.New(1)
	b := atom.New(2)
	r := NewResolver([]KeyPart{Static("/x/"), FromAtom(a), FromAtom(b)})

	changes := make(chan struct{}, 8)
	r.Start(func() { changes <- struct{}{} })
	defer r.Stop()

	// Two synchronous atom writes should coalesce into exactly one signal
	// once the drain goroutine gets scheduled.
	a.Set(10)
	b.Set(20)

	<-changes
	select {
	case <-changes:
		t.Fatal("expected exactly one coalesced notification")
	default:
	}

	key, ok := r.Resolve()
	if !ok || key != "/x/1020" {
		t.Fatalf("got %q ok=%v", key, ok)
	}
}
