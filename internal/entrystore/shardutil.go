package entrystore

import (
	"runtime"
	"sync/atomic"
)

// This file holds the low-level pieces the sharded store needs: cache-line
// padding for the per-shard hit/miss/reap counters, canonical-key hashing to
// pick a shard, and the power-of-two helpers that keep that pick a mask
// instead of a modulo. Kept private to entrystore since nothing outside a
// Store's own sharding needs them.

// cacheLineSize is a reasonable default for most modern CPUs; std has
// runtime/internal/sys.CacheLineSize but it's unexported.
const cacheLineSize = 64

// paddedAtomicInt64 is an atomic int64 padded to one cache line, used for the
// per-shard hit/miss counters that every Get touches, so one goroutine's
// counter bump never false-shares with another shard's hot map access.
type paddedAtomicInt64 struct {
	atomic.Int64
	_ [cacheLineSize - 8]byte
}

// paddedAtomicUint64 is the uint64 counterpart, used for the reap counter.
type paddedAtomicUint64 struct {
	atomic.Uint64
	_ [cacheLineSize - 8]byte
}

// isPowerOfTwo reports whether x is a power of two (> 0).
func isPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

// nextPow2 returns the smallest power of two >= x. x == 0 maps to 1; a
// would-be overflow past 1<<63 clamps to 1<<63. Used to round a requested or
// CPU-derived shard count up to a mask-friendly size.
func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// reasonableShardCount picks a practical default shard count based on CPU
// parallelism: nextPow2(2*GOMAXPROCS), clamped to [1..256]. Sharply reduces
// lock contention across concurrently-resolved canonical keys without
// bloating memory overhead for a Store that only ever holds a handful.
func reasonableShardCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(nextPow2(uint64(p * 2)))
	if n < 1 {
		n = 1
	}
	if n > 256 {
		n = 256
	}
	return n
}

// shardIndex maps a canonical key's hash to a shard index. Fast-paths the
// common case (shard count a power of two) to a mask; falls back to modulo
// for a count that isn't (Store always rounds its count up to a power of
// two, so that branch is not reached from Store.shardFor).
func shardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if isPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

// hashKey hashes a canonical key string with 64-bit FNV-1a to pick its shard.
// Canonical keys are always strings (see keyspec.Resolve), so unlike a
// general-purpose cache this never needs to dispatch across key types.
func hashKey(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}
