package query

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brooklime/refetch/keyspec"
)

// TestFetcher_ConcurrentActivationDedupes mirrors a sharded cache's
// TestRace_GetOrLoad: many concurrent activations of stores sharing a key
// should coalesce into a single underlying fetch.
func TestFetcher_ConcurrentActivationDedupes(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	var calls int32
	const n = 50
	stores := make([]*FetcherStore[string], n)
	for i := range stores {
		stores[i] = MakeFetcher[string](c,
			[]keyspec.KeyPart{keyspec.Static("shared")},
			WithFetcher(func(ctx context.Context, key string) (string, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return "v", nil
			}),
		)
	}

	var g errgroup.Group
	unsubs := make([]func(), n)
	var unsubsMu sync.Mutex
	start := make(chan struct{})
	for i, st := range stores {
		i, st := i, st
		g.Go(func() error {
			<-start
			ch, unsub := collect(st)
			unsubsMu.Lock()
			unsubs[i] = unsub
			unsubsMu.Unlock()
			_, err := waitHasDataErr(ch)
			return err
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, u := range unsubs {
		u()
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected fetch to run once, got %d", got)
	}
}

// TestRace_MixedWorkload drives concurrent Listen/unsubscribe, Invalidate,
// and MutateCache calls across a keyspace, mirroring a
// TestRace_Basic mixed-operation workload. Should pass clean under -race.
func TestRace_MixedWorkload(t *testing.T) {
	c := New(Options{DedupeTime: 0})
	defer c.Close()

	const keyspaceN = 64
	stores := make([]*FetcherStore[int], keyspaceN)
	for i := range stores {
		i := i
		stores[i] = MakeFetcher[int](c,
			[]keyspec.KeyPart{keyspec.Static("k:" + strconv.Itoa(i))},
			WithFetcher(func(ctx context.Context, key string) (int, error) {
				return i, nil
			}),
		)
	}

	workers := 4 * runtime.GOMAXPROCS(0)
	deadline := time.Now().Add(300 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(id) * 9973))
			for time.Now().Before(deadline) {
				st := stores[r.Intn(keyspaceN)]
				switch r.Intn(4) {
				case 0:
					_, unsub := collect(st)
					unsub()
				case 1:
					st.Invalidate()
				case 2:
					_ = st.Get()
				case 3:
					c.MutateCache(Key(st.Key()), r.Intn(1000), true)
				}
			}
		}(w)
	}
	wg.Wait()
}
