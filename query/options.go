package query

import (
	"time"

	"github.com/brooklime/refetch/internal/entrystore"
)

// RetryInfo is passed to OnErrorRetry after a fetch failure.
type RetryInfo struct {
	RetryCount int // 1 on the first failure, incrementing per consecutive failure
	Err        error
	Key        string
}

// Options configures process-wide defaults for a Context, resolved in
// order — global defaults ← per-store overrides ← test override hook — per
// mirroring a sharded cache's Options[K,V] defaulting shape.
type Options struct {
	// DedupeTime is the minimum wall-clock interval between network
	// invocations for the same key. Default: 4s.
	DedupeTime time.Duration
	// CacheLifetime is how long a cached entry remains eligible for
	// display. Default: 5m.
	CacheLifetime time.Duration
	// RevalidateInterval, if > 0, triggers periodic background refresh.
	RevalidateInterval time.Duration
	// RevalidateOnFocus/RevalidateOnReconnect wire the store into the
	// process-wide focus/online signals (see env.go).
	RevalidateOnFocus     bool
	RevalidateOnReconnect bool
	// OnError is invoked on every fetch failure, local overrides global.
	OnError func(err error, key string)
	// OnErrorRetry returns the delay before retry, or <= 0 to stop.
	OnErrorRetry func(RetryInfo) time.Duration

	// Clock overrides the time source (tests only). Nil => time.Now.
	Clock entrystore.Clock

	// Visibility, Focus, and Online are the environment dependencies of
	// Nil defaults degrade to "always visible, never reconnects"
	// so only interval and explicit invalidation drive revalidation.
	Visibility VisibilitySource
	Focus      FocusSource
	Online     OnlineSource

	// Metrics receives cache/fetch lifecycle observations. Nil defaults
	// to NoopMetrics.
	Metrics Metrics
}

func defaultOptions() Options {
	return Options{
		DedupeTime:    4 * time.Second,
		CacheLifetime: 5 * time.Minute,
	}
}

// Override carries a partial settings patch for Context.UnsafeOverruleSettings.
// Nil fields are left unresolved (fall through to defaults / per-store
// options); only the exported fields set here take effect.
type Override = configPatch

// configPatch carries optional overrides; nil fields mean "unset," letting
// resolve() distinguish "not overridden" from "explicitly zero."
type configPatch struct {
	DedupeTime            *time.Duration
	CacheLifetime         *time.Duration
	RevalidateInterval    *time.Duration
	RevalidateOnFocus     *bool
	RevalidateOnReconnect *bool
	OnError               func(err error, key string)
	OnErrorRetry          func(RetryInfo) time.Duration
}

// resolvedConfig is the fully merged, per-store configuration in force for
// one resolution pass.
type resolvedConfig struct {
	DedupeTime            time.Duration
	CacheLifetime         time.Duration
	RevalidateInterval    time.Duration
	RevalidateOnFocus     bool
	RevalidateOnReconnect bool
	OnError               func(err error, key string)
	OnErrorRetry          func(RetryInfo) time.Duration
}

func resolve(base Options, layers ...configPatch) resolvedConfig {
	rc := resolvedConfig{
		DedupeTime:            base.DedupeTime,
		CacheLifetime:         base.CacheLifetime,
		RevalidateInterval:    base.RevalidateInterval,
		RevalidateOnFocus:     base.RevalidateOnFocus,
		RevalidateOnReconnect: base.RevalidateOnReconnect,
		OnError:               base.OnError,
		OnErrorRetry:          base.OnErrorRetry,
	}
	for _, p := range layers {
		if p.DedupeTime != nil {
			rc.DedupeTime = *p.DedupeTime
		}
		if p.CacheLifetime != nil {
			rc.CacheLifetime = *p.CacheLifetime
		}
		if p.RevalidateInterval != nil {
			rc.RevalidateInterval = *p.RevalidateInterval
		}
		if p.RevalidateOnFocus != nil {
			rc.RevalidateOnFocus = *p.RevalidateOnFocus
		}
		if p.RevalidateOnReconnect != nil {
			rc.RevalidateOnReconnect = *p.RevalidateOnReconnect
		}
		if p.OnError != nil {
			rc.OnError = p.OnError
		}
		if p.OnErrorRetry != nil {
			rc.OnErrorRetry = p.OnErrorRetry
		}
	}
	return rc
}
