// Package query implements a reactive keyed fetch cache's coordination
// engine: composite key resolution from reactive inputs (package keyspec),
// request deduplication under
// subscription churn, the two-tier dedupe/cache-lifetime time policy,
// retry with backoff, stale-while-revalidate transitions, generational
// cancellation of obsolete in-flight results, and coordinated invalidation
// and optimistic mutation between fetcher stores and mutator stores.
//
// Design
//
//   - A Context (query/registry.go) owns one entrystore.Store shared by
//     every fetcher store constructed against it, a registry of active
//     fetcher stores indexed by canonical key for invalidation fan-out, the
//     resolved default Options, and an optional test-only settings
//     override, mirroring a sharded cache's Options[K,V] merge.
//
//   - MakeFetcher / MakeMutator are free generic functions rather than
//     closures returned from New, because Go cannot express a factory that
//     returns a value generic over a type parameter chosen at each call
//     site.
//
//   - Per-canonical-key state (in-flight promise, retry count, retry
//     timer) lives in a keyState owned by the Context's registry and is
//     shared by every fetcher store that currently resolves to that key —
//     this is what gives "single flight per key" its scope even across
//     unrelated FetcherStore[V] instances with different V.
//
//   - Stale-result suppression uses a per-store epoch
//     counter bumped every time that store's resolved key is
//     (re-)activated, captured at fetch-start and checked again when the
//     fetch settles, rather than relying solely on registry membership
//     (which would miss the case of a store leaving and returning to the
//     same key before a stale fetch settles).
package query
