// Package cache implements the L1 tier: a sharded, in-memory item
// store with a pluggable eviction strategy per store instance. Keys
// with no deadline are just absent from any expiry index; expiry
// itself is driven externally (the coordinator owns the shared TTL
// index and calls Remove), so Store never schedules its own timers.
package cache

import (
	"hash/fnv"
)

const defaultShardCount = 32

// Config configures a Store at construction. MaxBytes is the total
// byte budget across all shards combined; it is split evenly so each
// shard enforces MaxBytes/ShardCount independently, which is why shard
// counts are powers of two by convention (even division, no drift).
type Config struct {
	ShardCount    int
	MaxBytes      int64
	MaxEntries    int64
	Strategy      StrategyKind
	HybridWeights HybridWeights
	Sink          EvictionSink
}

// Store is the sharded L1 map. Reads and writes only ever touch one
// shard's lock; no operation takes a store-wide lock except Keys,
// which iterates every shard individually while holding only that
// shard's read lock at a time.
type Store struct {
	shards []*shard
	mask   uint64
}

func NewStore(cfg Config) *Store {
	n := cfg.ShardCount
	if n <= 0 {
		n = defaultShardCount
	}
	n = nextPowerOfTwo(n)

	perShard := cfg.MaxBytes / int64(n)
	perShardEntries := cfg.MaxEntries / int64(n)
	shards := make([]*shard, n)
	for i := range shards {
		strategy := NewStrategy(cfg.Strategy, cfg.HybridWeights)
		shards[i] = newShard(strategy, perShard, perShardEntries, cfg.Sink)
	}
	return &Store{shards: shards, mask: uint64(n - 1)}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum64()&s.mask]
}

// Get returns the item under key, if present and unexpired as of now.
func (s *Store) Get(key string, now int64) (Item, bool) {
	return s.shardFor(key).get(key, now)
}

// Contains reports presence without touching strategy bookkeeping.
func (s *Store) Contains(key string, now int64) bool {
	return s.shardFor(key).contains(key, now)
}

// Insert stores item (replacing any existing entry under the same
// key), evicting as needed. Evicted items are also handed to the
// configured EvictionSink, but the caller gets them back directly too
// so it does not have to depend on Sink having been wired for the
// common "demote what falls out of L1" case.
func (s *Store) Insert(item Item, now int64) []Item {
	return s.shardFor(item.Key).insert(item, now)
}

// WouldFit reports whether an item of size bytes could ever be
// admitted into key's shard, i.e. it is not larger than the shard's own
// budget on its own. Insert always admits the new item even when it is
// the sole occupant over budget (there is nothing left to evict), so
// callers that must honor spec.md §4.3's "fail with L1Full" clause
// check WouldFit first instead of inspecting Insert's result.
func (s *Store) WouldFit(key string, size int64) bool {
	return s.shardFor(key).wouldFit(size)
}

// Remove deletes key unconditionally and returns the removed item, if
// any. No EvictionSink callback fires: callers that remove explicitly
// (delete, expiry drop) already know the outcome.
func (s *Store) Remove(key string) (Item, bool) {
	return s.shardFor(key).remove(key)
}

// DropExpired implements ttl.Dropper by removing key from L1 if it is
// still present; it is a no-op if the key was already gone (e.g. it
// was only ever resident in L2).
func (s *Store) DropExpired(key string) {
	s.shardFor(key).remove(key)
}

// Keys returns up to limit (0 = unlimited) resident keys.
func (s *Store) Keys(limit int) []string {
	var dst []string
	for _, sh := range s.shards {
		if limit > 0 && len(dst) >= limit {
			break
		}
		remaining := 0
		if limit > 0 {
			remaining = limit - len(dst)
		}
		dst = sh.keys(dst, remaining)
	}
	return dst
}

// Len reports the total number of resident items across all shards.
func (s *Store) Len() int {
	var n int
	for _, sh := range s.shards {
		n += sh.len()
	}
	return n
}

// Tick runs periodic strategy maintenance (frequency aging) on every
// shard. Callers schedule this on their own interval; Store does not
// run its own timer.
func (s *Store) Tick(now int64) {
	for _, sh := range s.shards {
		sh.tick(now)
	}
}

// EvictExpired removes expired entries from every shard, spending at
// most budget removals per shard, and returns the union of dropped
// keys. It exists alongside the ttl.Index-driven reaper as a cheap
// local fallback that needs no shared index lookups.
func (s *Store) EvictExpired(now int64, budgetPerShard int) []string {
	var dropped []string
	for _, sh := range s.shards {
		dropped = append(dropped, sh.evictExpired(now, budgetPerShard)...)
	}
	return dropped
}
