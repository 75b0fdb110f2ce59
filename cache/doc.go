// Package cache implements the L1 tier: an in-memory, sharded item
// store with a pluggable eviction strategy (LRU, LFU, FIFO or a
// weighted hybrid of recency and frequency), chosen once per Store at
// construction. Every shard owns its own table, eviction queue and
// lock; there is no store-wide lock on the hot read/write path.
package cache
