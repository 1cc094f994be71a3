package query

import (
	"context"
	"time"

	"github.com/brooklime/refetch/internal/entrystore"
)

// Invalidate drops the cached entry for key and, for every active store
// currently resolved to it, starts a fresh fetch (or joins one already in
// flight), bypassing the dedupe window: an explicit invalidate always
// forces the next resolution to skip it and refetch. Any pending retry
// timer for the key is cancelled first, per the resolved Open Question in
// DESIGN.md: an explicit invalidate/revalidate supersedes a scheduled
// backoff retry rather than racing it.
func (c *Context) Invalidate(key string) {
	c.store.Delete(key)
	c.cancelPendingRetry(key)
	for _, h := range c.activeHandles(key) {
		c.startOrJoinFetch(key, h, true, true)
	}
}

// revalidateHandle is Invalidate scoped to a single store, also bypassing
// the dedupe window, but without clearing the published data first
// (stale-while-revalidate): used by the focus/reconnect fan-out and by
// FetcherStore.Revalidate.
func (c *Context) revalidateHandle(key string, h fetcherHandle) {
	c.cancelPendingRetry(key)
	c.startOrJoinFetch(key, h, true, false)
}

func (c *Context) cancelPendingRetry(key string) {
	c.regMu.Lock()
	ks, ok := c.keys[key]
	c.regMu.Unlock()
	if !ok {
		return
	}
	ks.mu.Lock()
	if ks.retryTimer != nil {
		ks.retryTimer.Stop()
		ks.retryTimer = nil
	}
	ks.mu.Unlock()
}

// startOrJoinFetch is the shared fetch-initiation path used by activation,
// invalidation, interval revalidation, and focus/reconnect fan-out. It
// implements the decision procedure once a key is known to need a
// live fetch attempt (the caller has already handled the cache-hit /
// disabled branches). clearData is Invalidate's "data cleared to
// undefined" behavior; every other caller passes false to preserve
// stale-while-revalidate.
func (c *Context) startOrJoinFetch(key string, h fetcherHandle, bypassDedupe bool, clearData bool) {
	ks := c.keyStateFor(key)

	ks.mu.Lock()
	if ks.inflightDone != nil {
		done := ks.inflightDone
		if ks.fetchEpochs == nil {
			ks.fetchEpochs = make(map[fetcherHandle]int64)
		}
		ks.fetchEpochs[h] = h.epoch()
		ks.mu.Unlock()
		c.metrics.Dedup(key)
		h.applyLoading(key, false, nil, clearData, done)
		go c.awaitInflight(key, h, ks, done)
		return
	}

	now := c.now()
	cfg := h.resolvedConfig()
	if !bypassDedupe && ks.lastFetchStart != 0 && time.Duration(now-ks.lastFetchStart) < cfg.DedupeTime {
		ks.mu.Unlock()
		c.metrics.Dedup(key)
		return
	}

	done := make(chan struct{})
	ks.inflightDone = done
	ks.lastFetchStart = now
	// Record the generation every handle currently sharing this key is on:
	// if one of them leaves and returns to this same key before this fetch
	// settles, its epoch will have moved on and its captured entry here
	// will no longer match, so publishSettled below will not hand it a
	// stale result.
	ks.fetchEpochs = make(map[fetcherHandle]int64, len(ks.handles))
	for hh := range ks.handles {
		ks.fetchEpochs[hh] = hh.epoch()
	}
	ks.mu.Unlock()

	h.applyLoading(key, false, nil, clearData, done)
	go c.runAndSettle(key, h, ks, done)
}

func (c *Context) awaitInflight(key string, h fetcherHandle, ks *keyState, done <-chan struct{}) {
	<-done
	ks.mu.Lock()
	result, err := ks.inflightResult, ks.inflightErr
	ks.mu.Unlock()
	c.publishSettled(key, h, ks, result, err)
}

func (c *Context) runAndSettle(key string, h fetcherHandle, ks *keyState, done chan struct{}) {
	fetchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.metrics.FetchStart(key)
	result, err := h.runFetch(fetchCtx, key)
	if err != nil {
		c.metrics.FetchError(key)
	} else {
		c.metrics.FetchSuccess(key)
	}

	now := c.now()
	cfg := h.resolvedConfig()

	ks.mu.Lock()
	ks.inflightResult, ks.inflightErr = result, err
	ks.inflightDone = nil
	close(done)
	if err == nil {
		ks.retryCount = 0
		if ks.retryTimer != nil {
			ks.retryTimer.Stop()
			ks.retryTimer = nil
		}
	}
	ks.mu.Unlock()

	// An entry is written on every terminal outcome, success or failure,
	// so a subscriber activating within the dedupe window after a failure
	// sees the cached error rather than a blank state.
	if err == nil {
		c.store.Set(key, entrystore.Entry[any]{
			Data: result, HasData: true, Created: now, Expires: now + int64(cfg.CacheLifetime),
		})
	} else {
		c.store.Set(key, entrystore.Entry[any]{
			Err: wrapErr(key, err), Created: now, Expires: now + int64(cfg.CacheLifetime),
		})
		c.scheduleRetry(key, ks, h, err)
	}

	for _, hh := range c.activeHandles(key) {
		c.publishSettled(key, hh, ks, result, err)
	}
}

// publishSettled publishes a fetch's outcome to h, gated on the generation
// captured for h when it started or joined this fetch (see keyState.
// fetchEpochs) rather than h's live epoch, which by the time a background
// fetch settles may already belong to a different visit to this same key.
func (c *Context) publishSettled(key string, h fetcherHandle, ks *keyState, result any, err error) {
	ks.mu.Lock()
	ep, ok := ks.fetchEpochs[h]
	ks.mu.Unlock()
	if !ok {
		ep = h.epoch()
	}
	if err != nil {
		h.applySettled(key, ep, entrystore.Entry[any]{Err: wrapErr(key, err)})
		return
	}
	h.applySettled(key, ep, entrystore.Entry[any]{Data: result, HasData: true, Created: c.now()})
}

func (c *Context) scheduleRetry(key string, ks *keyState, h fetcherHandle, err error) {
	cfg := h.resolvedConfig()
	if cfg.OnErrorRetry == nil {
		if cfg.OnError != nil {
			cfg.OnError(err, key)
		}
		return
	}
	ks.mu.Lock()
	ks.retryCount++
	info := RetryInfo{RetryCount: ks.retryCount, Err: err, Key: key}
	ks.mu.Unlock()
	c.metrics.Retry(key, info.RetryCount)

	if cfg.OnError != nil {
		cfg.OnError(err, key)
	}

	delay := cfg.OnErrorRetry(info)
	if delay <= 0 {
		return
	}
	ks.mu.Lock()
	ks.retryTimer = time.AfterFunc(delay, func() {
		ks.mu.Lock()
		ks.retryTimer = nil
		ks.mu.Unlock()
		c.startOrJoinFetch(key, h, true, false)
	})
	ks.mu.Unlock()
}

// startRevalidateInterval launches the periodic-refresh ticker for a store,
// gated on visibility: ticks while invisible are dropped rather
// than queued.
func (c *Context) startRevalidateInterval(key func() string, interval time.Duration, h fetcherHandle, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.env.Visibility.Visible() {
					continue
				}
				k := key()
				if k == "" {
					continue
				}
				c.revalidateHandle(k, h)
			}
		}
	}()
}
