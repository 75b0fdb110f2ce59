// Package metrics is the engine's typed-event sink: named counters and
// timers backed by github.com/rcrowley/go-metrics, the same library the
// integration load test already uses to report client-side numbers.
// The engine never talks to an exporter (spec.md §1 keeps transports
// external); it just exposes the registry for a host to read or serve.
package metrics

import (
	"github.com/rcrowley/go-metrics"
)

// Registry collects a fixed set of counters/timers. The coordinator
// updates Hits, Misses, Evictions and EvictionLosses; nothing in this
// module updates the other counters or the timers. It is safe for
// concurrent use: go-metrics'
// StandardCounter/StandardTimer are themselves lock-protected.
type Registry struct {
	reg metrics.Registry

	Hits           metrics.Counter
	Misses         metrics.Counter
	Evictions      metrics.Counter
	EvictionLosses metrics.Counter
	CorruptReads   metrics.Counter
	Compactions    metrics.Counter
	Orphans        metrics.Counter

	GetTimer    metrics.Timer
	SetTimer    metrics.Timer
	DeleteTimer metrics.Timer
}

// New builds a Registry with every counter/timer pre-registered under
// the names spec.md §4.7 lists (cache.hit, cache.miss, ...).
func New() *Registry {
	reg := metrics.NewRegistry()
	return &Registry{
		reg:            reg,
		Hits:           metrics.NewRegisteredCounter("cache.hit", reg),
		Misses:         metrics.NewRegisteredCounter("cache.miss", reg),
		Evictions:      metrics.NewRegisteredCounter("cache.eviction", reg),
		EvictionLosses: metrics.NewRegisteredCounter("cache.eviction_loss", reg),
		CorruptReads:   metrics.NewRegisteredCounter("cache.corrupt_read", reg),
		Compactions:    metrics.NewRegisteredCounter("l2.compaction", reg),
		Orphans:        metrics.NewRegisteredCounter("l2.orphan", reg),
		GetTimer:       metrics.NewRegisteredTimer("get", reg),
		SetTimer:       metrics.NewRegisteredTimer("set", reg),
		DeleteTimer:    metrics.NewRegisteredTimer("delete", reg),
	}
}

// Underlying exposes the underlying go-metrics registry so a host binary
// can serve it (e.g. over expvar/HTTP) without this package depending
// on any particular exporter.
func (r *Registry) Underlying() metrics.Registry { return r.reg }

// HitRate returns hits/(hits+misses), or 0 if there have been no reads
// yet. Readers tolerate the small skew inherent to relaxed atomics
// (spec.md §5) since this is a rollup for observability, not a decision
// input.
func (r *Registry) HitRate() float64 {
	hits := r.Hits.Count()
	misses := r.Misses.Count()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
