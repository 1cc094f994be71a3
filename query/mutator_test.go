package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brooklime/refetch/keyspec"
)

func TestMutator_InvalidatesFetcher(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	var calls int32
	f := MakeFetcher[int](c,
		[]keyspec.KeyPart{keyspec.Static("count")},
		WithFetcher(func(ctx context.Context, key string) (int, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		}),
	)
	ch, unsub := collect(f)
	defer unsub()
	waitHasData(t, ch)

	m := MakeMutator(c, func(mctx *MutationContext, delta int) (int, error) {
		return delta, nil
	}, WithInvalidates[int](Key("count")))

	if _, err := m.Mutate(context.Background(), 1); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	s := waitHasData(t, ch)
	if s.Data != 2 {
		t.Fatalf("want refetch to produce 2, got %d", s.Data)
	}
}

func TestMutator_PublishesLoadingThenError(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	m := MakeMutator(c, func(mctx *MutationContext, _ struct{}) (int, error) {
		return 0, errors.New("nope")
	})

	var states []MutationState[int]
	unsub := m.Listen(func(s MutationState[int]) { states = append(states, s) })
	defer unsub()

	if _, err := m.Mutate(context.Background(), struct{}{}); err == nil {
		t.Fatal("expected error")
	}
	time.Sleep(20 * time.Millisecond)

	found := false
	for _, s := range states {
		if s.Err != nil {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error state to be published")
	}
}

// TestMutator_OptimisticCacheUpdate exercises the optimistic-then-confirmed
// sequence: GetCacheUpdater.Set publishes an optimistic value to the
// fetcher store immediately, and once the mutation settles the default
// autoInvalidate=true queues a refetch that overwrites it with confirmed
// data.
func TestMutator_OptimisticCacheUpdate(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	var calls int32
	f := MakeFetcher[int](c,
		[]keyspec.KeyPart{keyspec.Static("/api/key")},
		WithFetcher(func(ctx context.Context, key string) (int, error) {
			return int(atomic.AddInt32(&calls, 1)) - 1, nil
		}),
	)
	ch, unsub := collect(f)
	defer unsub()

	s := waitHasData(t, ch)
	if s.Data != 0 {
		t.Fatalf("want initial fetch of 0, got %d", s.Data)
	}

	release := make(chan struct{})
	m := MakeMutator(c, func(mctx *MutationContext, arg int) (int, error) {
		updater := GetCacheUpdater[int](mctx, "/api/key")
		if !updater.HasPrevious || updater.Previous != 0 {
			t.Errorf("expected previous cached value 0, got %v (hasPrevious=%v)", updater.Previous, updater.HasPrevious)
		}
		updater.Set(999)
		<-release
		return arg, nil
	})

	done := make(chan struct{})
	go func() {
		if _, err := m.Mutate(context.Background(), 5); err != nil {
			t.Errorf("mutate failed: %v", err)
		}
		close(done)
	}()

	// The optimistic write lands before the mutation settles.
	for {
		select {
		case s = <-ch:
			if s.HasData && s.Data == 999 {
				goto optimisticSeen
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for optimistic value")
		}
	}
optimisticSeen:

	close(release)
	<-done

	// autoInvalidate's deferred invalidation triggers a confirming refetch.
	for {
		select {
		case s = <-ch:
			if s.HasData && s.Data == 1 {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for confirmed refetch")
		}
	}
}

func TestMutator_Throttle(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	var calls int32
	m := MakeMutator(c, func(mctx *MutationContext, _ struct{}) (int, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	}, WithThrottle[int](true))

	done := make(chan struct{}, 2)
	go func() { m.Mutate(context.Background(), struct{}{}); done <- struct{}{} }()
	time.Sleep(2 * time.Millisecond)
	go func() { m.Mutate(context.Background(), struct{}{}); done <- struct{}{} }()
	<-done
	<-done

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("throttled mutator should run once, got %d", got)
	}
}

// TestMutator_ThrottleDefaultsToTrue covers the documented default
// (throttleCalls defaults to true) rather than the explicit WithThrottle(true)
// opt-in TestMutator_Throttle already exercises.
func TestMutator_ThrottleDefaultsToTrue(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	var calls int32
	m := MakeMutator(c, func(mctx *MutationContext, _ struct{}) (int, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	})

	done := make(chan struct{}, 2)
	go func() { m.Mutate(context.Background(), struct{}{}); done <- struct{}{} }()
	time.Sleep(2 * time.Millisecond)
	go func() { m.Mutate(context.Background(), struct{}{}); done <- struct{}{} }()
	<-done
	<-done

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("default-throttled mutator should run once, got %d", got)
	}
}

// TestMutator_NoThrottleRunsEach confirms WithThrottle(false) overrides the
// default and lets concurrent calls each invoke fn separately.
func TestMutator_NoThrottleRunsEach(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	var calls int32
	m := MakeMutator(c, func(mctx *MutationContext, _ struct{}) (int, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	}, WithThrottle[int](false))

	done := make(chan struct{}, 2)
	go func() { m.Mutate(context.Background(), struct{}{}); done <- struct{}{} }()
	time.Sleep(2 * time.Millisecond)
	go func() { m.Mutate(context.Background(), struct{}{}); done <- struct{}{} }()
	<-done
	<-done

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("un-throttled mutator should run fn for each call, got %d", got)
	}
}

// TestMutator_MutateClearsLoadingState confirms the loading transition never
// carries forward a previous result: it always publishes a bare
// {Loading:true}, clearing data and error.
func TestMutator_MutateClearsLoadingState(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	m := MakeMutator(c, func(mctx *MutationContext, arg int) (int, error) {
		return arg, nil
	})

	if _, err := m.Mutate(context.Background(), 42); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}

	var loading MutationState[int]
	seen := false
	unsub := m.Listen(func(s MutationState[int]) {
		if s.Loading {
			loading = s
			seen = true
		}
	})
	defer unsub()

	if _, err := m.Mutate(context.Background(), 7); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if !seen {
		t.Fatal("expected a loading state to be published")
	}
	if loading.HasData || loading.Err != nil {
		t.Fatalf("loading state must clear data/error, got %+v", loading)
	}
}

// TestMutator_ResetsOnLastUnsubscribe confirms a MutatorStore is a one-shot
// result surface, not a cache: once the last subscriber unsubscribes, the
// published value resets so a later Listen call doesn't replay stale data.
func TestMutator_ResetsOnLastUnsubscribe(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	m := MakeMutator(c, func(mctx *MutationContext, arg int) (int, error) {
		return arg, nil
	})

	unsub1 := m.Listen(func(MutationState[int]) {})
	if _, err := m.Mutate(context.Background(), 5); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	if got := m.Get(); !got.HasData || got.Data != 5 {
		t.Fatalf("expected published data 5, got %+v", got)
	}
	unsub1()

	if got := m.Get(); got.HasData {
		t.Fatalf("expected state reset after last unsubscribe, got %+v", got)
	}

	var replayed MutationState[int]
	unsub2 := m.Listen(func(s MutationState[int]) { replayed = s })
	defer unsub2()
	if replayed.HasData {
		t.Fatalf("new subscriber should not see stale replayed data, got %+v", replayed)
	}
}
