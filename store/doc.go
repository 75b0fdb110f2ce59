// Package store implements the L2 tier over a persistent ordered
// key-value engine: a compressed value record and a fixed-layout
// metadata record per key, written atomically, with disk-usage
// accounting and ascending-created_at compaction on overflow.
package store
