// Package coordinator implements the cache engine's authoritative
// entry point: it routes GET/SET/ADD/REPLACE/APPEND/PREPEND/CAS/
// INCR/DECR/DELETE/FLUSH_ALL between the L1 (cache) and L2 (store)
// tiers, owns the CAS counter and the flush epoch, and applies the
// large-value policy that keeps oversized writes out of memory.
//
// Neither tier holds a reference back to the Coordinator: L1 hands it
// evicted items through the narrow cache.EvictionSink interface, and
// the shared ttl.Index hands it expired keys through ttl.Dropper. The
// Coordinator itself only ever talks to its tiers through the l1Tier
// and l2Tier interfaces below, never reaching into cache/store
// internals.
package coordinator

import (
	"bytes"
	"context"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/skipor/tcached/cache"
	"github.com/skipor/tcached/log"
	"github.com/skipor/tcached/metrics"
	"github.com/skipor/tcached/recycle"
	"github.com/skipor/tcached/store"
	"github.com/skipor/tcached/ttl"
	"github.com/skipor/tcached/workpool"
)

// maxRelativeExptime mirrors the Memcached wire convention: an
// exptime at or below this many seconds is relative to now, anything
// larger is already an absolute unix deadline.
const maxRelativeExptime = 60 * 60 * 24 * 30 // 30 days.

// l1Tier is the subset of *cache.Store the coordinator depends on.
type l1Tier interface {
	Get(key string, now int64) (cache.Item, bool)
	Insert(item cache.Item, now int64) []cache.Item
	Remove(key string) (cache.Item, bool)
	Contains(key string, now int64) bool
	WouldFit(key string, size int64) bool
	Keys(limit int) []string
	Tick(now int64)
	EvictExpired(now int64, budgetPerShard int) []string
}

// l2Tier is the subset of *store.Store the coordinator depends on.
type l2Tier interface {
	Get(key string, now int64) ([]byte, store.Meta, error)
	Stat(key string, now int64) (store.Meta, error)
	Put(key string, value []byte, flags uint32, cas uint64, createdAt, expiry int64) error
	Delete(key string) error
	Contains(key string, now int64) bool
	Keys(limit int) []string
	DiskUsage() int64
}

// Config wires a Coordinator to its tiers and policy knobs. L2 is nil
// when persistence is disabled; the Coordinator then keeps large values
// in L1 like any other value and drops evicted items.
type Config struct {
	L1       l1Tier
	L2       l2Tier
	TTL      *ttl.Index
	Pool     *workpool.Pool
	DataPool *recycle.Pool
	Metrics  *metrics.Registry
	Log      log.Logger

	LargeValueThreshold int
	DefaultTTL          int64
	MaxTTL              int64
}

// Coordinator is safe for concurrent use; all shared mutable state
// (CAS counter, flush epoch) is a plain atomic, and every other method
// only ever touches its tiers, which do their own locking.
type Coordinator struct {
	l1        l1Tier
	l2        l2Tier
	l2Enabled bool
	ttlIndex  *ttl.Index
	pool      *workpool.Pool
	dataPool  *recycle.Pool
	metrics   *metrics.Registry
	log       log.Logger

	largeValueThreshold int
	defaultTTL          int64
	maxTTL              int64

	casCounter uint64 // Atomic. First assigned token is 1; 0 stays reserved.
	flushEpoch int64  // Atomic. 0 means no flush is in effect.
}

func New(cfg Config) *Coordinator {
	return &Coordinator{
		l1:                  cfg.L1,
		l2:                  cfg.L2,
		l2Enabled:           cfg.L2 != nil,
		ttlIndex:            cfg.TTL,
		pool:                cfg.Pool,
		dataPool:            cfg.DataPool,
		metrics:             cfg.Metrics,
		log:                 cfg.Log,
		largeValueThreshold: cfg.LargeValueThreshold,
		defaultTTL:          cfg.DefaultTTL,
		maxTTL:              cfg.MaxTTL,
	}
}

var (
	_ cache.EvictionSink = (*Coordinator)(nil)
	_ ttl.Dropper        = (*Coordinator)(nil)
)

func (c *Coordinator) nextCas() uint64 {
	return atomic.AddUint64(&c.casCounter, 1)
}

// ResolveExpiry applies the Memcached exptime convention together with
// this engine's default_ttl/max_ttl policy: 0 means "never" unless
// default_ttl fills it in; 1..maxRelativeExptime seconds is relative
// to now; anything larger is already an absolute unix deadline. The
// result is clamped so no entry outlives max_ttl seconds from now.
func (c *Coordinator) ResolveExpiry(rawExptime, now int64) int64 {
	expiry := rawExptime
	switch {
	case expiry == 0:
		if c.defaultTTL > 0 {
			expiry = now + c.defaultTTL
		}
	case expiry <= maxRelativeExptime:
		expiry = now + expiry
	}
	if expiry != 0 && c.maxTTL > 0 {
		if ceiling := now + c.maxTTL; expiry > ceiling {
			expiry = ceiling
		}
	}
	return expiry
}

func (c *Coordinator) flushed(createdAt int64) bool {
	epoch := atomic.LoadInt64(&c.flushEpoch)
	return epoch != 0 && createdAt < epoch
}

func (c *Coordinator) canRouteL2Only(size int) bool {
	return c.l2Enabled && c.largeValueThreshold > 0 && size >= c.largeValueThreshold
}

// Get implements the GET/GETS contract: L1 probe, then L2 probe with
// best-effort promotion back into L1 on a hit under the large-value
// threshold. The returned ItemView must be closed by the caller.
func (c *Coordinator) Get(ctx context.Context, key string, now int64) (cache.ItemView, bool, error) {
	if item, ok := c.l1.Get(key, now); ok {
		if c.flushed(item.CreatedAt) {
			c.l1.Remove(key)
			c.ttlIndex.Remove(key)
		} else {
			c.metrics.Hits.Inc(1)
			return item.NewView(), true, nil
		}
	}
	if !c.l2Enabled {
		c.metrics.Misses.Inc(1)
		return cache.ItemView{}, false, nil
	}

	var raw []byte
	var meta store.Meta
	err := c.pool.Submit(ctx, func() error {
		var innerErr error
		raw, meta, innerErr = c.l2.Get(key, now)
		return innerErr
	})
	if err == store.ErrNotFound {
		c.metrics.Misses.Inc(1)
		return cache.ItemView{}, false, nil
	}
	if err != nil {
		return cache.ItemView{}, false, errors.Wrap(err, "coordinator: l2 get")
	}
	if c.flushed(meta.CreatedAt) {
		c.metrics.Misses.Inc(1)
		return cache.ItemView{}, false, nil
	}

	c.metrics.Hits.Inc(1)
	data, err := c.dataPool.ReadData(bytes.NewReader(raw), len(raw))
	if err != nil {
		return cache.ItemView{}, false, errors.Wrap(err, "coordinator: buffer promoted value")
	}
	im := cache.ItemMeta{
		Key:       key,
		Flags:     meta.Flags,
		Cas:       meta.Cas,
		Exptime:   meta.Expiry,
		Bytes:     len(raw),
		CreatedAt: meta.CreatedAt,
	}
	view := cache.ItemView{ItemMeta: im, Reader: data.NewReader()}
	if c.canRouteL2Only(len(raw)) {
		data.Recycle()
	} else {
		c.l1.Insert(cache.Item{ItemMeta: im, Data: data}, now)
	}
	return view, true, nil
}

// currentMeta reports whether key is currently visible and, if so, its
// metadata, checking L1 first then L2. It is used by ADD/REPLACE/CAS
// to decide preconditions without materializing the value.
func (c *Coordinator) currentMeta(key string, now int64) (cache.ItemMeta, bool) {
	if item, ok := c.l1.Get(key, now); ok {
		if c.flushed(item.CreatedAt) {
			c.l1.Remove(key)
			c.ttlIndex.Remove(key)
		} else {
			return item.ItemMeta, true
		}
	}
	if !c.l2Enabled {
		return cache.ItemMeta{}, false
	}
	m, err := c.l2.Stat(key, now)
	if err != nil {
		return cache.ItemMeta{}, false
	}
	if c.flushed(m.CreatedAt) {
		return cache.ItemMeta{}, false
	}
	return cache.ItemMeta{Key: key, Flags: m.Flags, Cas: m.Cas, Exptime: m.Expiry, CreatedAt: m.CreatedAt}, true
}

type storeMode int

const (
	modeSet storeMode = iota
	modeAdd
	modeReplace
	modeCas
)

// Set stores data under key unconditionally, per the SET contract.
func (c *Coordinator) Set(ctx context.Context, key string, data *recycle.Data, flags uint32, rawExptime, now int64) (uint64, error) {
	return c.store(ctx, key, data, flags, rawExptime, now, modeSet, 0)
}

// Add stores data under key only if it is currently absent.
func (c *Coordinator) Add(ctx context.Context, key string, data *recycle.Data, flags uint32, rawExptime, now int64) (uint64, error) {
	return c.store(ctx, key, data, flags, rawExptime, now, modeAdd, 0)
}

// Replace stores data under key only if it is currently present.
func (c *Coordinator) Replace(ctx context.Context, key string, data *recycle.Data, flags uint32, rawExptime, now int64) (uint64, error) {
	return c.store(ctx, key, data, flags, rawExptime, now, modeReplace, 0)
}

// Cas stores data under key only if its current CAS token equals casToken.
func (c *Coordinator) Cas(ctx context.Context, key string, data *recycle.Data, flags uint32, rawExptime int64, casToken uint64, now int64) (uint64, error) {
	return c.store(ctx, key, data, flags, rawExptime, now, modeCas, casToken)
}

func (c *Coordinator) store(ctx context.Context, key string, data *recycle.Data, flags uint32, rawExptime, now int64, mode storeMode, casToken uint64) (uint64, error) {
	meta, exists := c.currentMeta(key, now)
	switch mode {
	case modeAdd:
		if exists {
			data.Recycle()
			return 0, ErrNotStored
		}
	case modeReplace:
		if !exists {
			data.Recycle()
			return 0, ErrNotStored
		}
	case modeCas:
		if !exists {
			data.Recycle()
			return 0, ErrNotFound
		}
		if meta.Cas != casToken {
			data.Recycle()
			return 0, ErrExists
		}
	}
	expiry := c.ResolveExpiry(rawExptime, now)
	return c.commit(ctx, key, data, flags, expiry, now)
}

// commit writes data under key with an already-resolved expiry,
// choosing between an L1 insert and a direct L2 write per the
// large-value policy, and registers the new deadline with the shared
// TTL index. It always consumes data: on every path exactly one of
// Insert (which transfers ownership to the L1 item), materializeData
// (which copies out the bytes and recycles) or, when the value cannot
// fit in L1 and L2 is disabled, a direct Recycle runs.
func (c *Coordinator) commit(ctx context.Context, key string, data *recycle.Data, flags uint32, expiry, now int64) (uint64, error) {
	cas := c.nextCas()
	size := data.Len()

	if c.canRouteL2Only(size) {
		raw, err := materializeData(data)
		if err != nil {
			return 0, errors.Wrap(err, "coordinator: read value")
		}
		if err := c.putL2(ctx, key, raw, flags, cas, now, expiry); err != nil {
			return 0, err
		}
		c.l1.Remove(key) // Drop any stale L1 copy shadowing the new large value.
		c.ttlIndex.Set(key, expiry)
		return cas, nil
	}

	accounted := cache.AccountedSize(key, size)
	if !c.l1.WouldFit(key, accounted) {
		if !c.l2Enabled {
			data.Recycle()
			return 0, cache.ErrL1Full
		}
		raw, err := materializeData(data)
		if err != nil {
			return 0, errors.Wrap(err, "coordinator: read value")
		}
		if err := c.putL2(ctx, key, raw, flags, cas, now, expiry); err != nil {
			return 0, err
		}
		c.ttlIndex.Set(key, expiry)
		return cas, nil
	}

	item := cache.Item{
		ItemMeta: cache.ItemMeta{Key: key, Flags: flags, Cas: cas, Exptime: expiry, Bytes: size, CreatedAt: now},
		Data:     data,
	}
	c.l1.Insert(item, now)
	c.ttlIndex.Set(key, expiry)
	return cas, nil
}

func (c *Coordinator) putL2(ctx context.Context, key string, raw []byte, flags uint32, cas uint64, createdAt, expiry int64) error {
	err := c.pool.Submit(ctx, func() error {
		return c.l2.Put(key, raw, flags, cas, createdAt, expiry)
	})
	if err != nil {
		return errors.Wrap(err, "coordinator: l2 put")
	}
	return nil
}

// Append writes the current value of key followed by delta as a new
// value, inheriting key's current flags and expiry.
func (c *Coordinator) Append(ctx context.Context, key string, delta *recycle.Data, now int64) (uint64, error) {
	return c.concat(ctx, key, delta, now, false)
}

// Prepend writes delta followed by the current value of key as a new
// value, inheriting key's current flags and expiry.
func (c *Coordinator) Prepend(ctx context.Context, key string, delta *recycle.Data, now int64) (uint64, error) {
	return c.concat(ctx, key, delta, now, true)
}

func (c *Coordinator) concat(ctx context.Context, key string, delta *recycle.Data, now int64, prepend bool) (uint64, error) {
	view, ok, err := c.Get(ctx, key, now)
	if err != nil {
		delta.Recycle()
		return 0, err
	}
	if !ok {
		delta.Recycle()
		return 0, ErrNotStored
	}
	current, err := materializeView(view)
	if err != nil {
		delta.Recycle()
		return 0, err
	}
	addition, err := materializeData(delta)
	if err != nil {
		return 0, err
	}
	var combined []byte
	if prepend {
		combined = append(append(make([]byte, 0, len(addition)+len(current)), addition...), current...)
	} else {
		combined = append(append(make([]byte, 0, len(current)+len(addition)), current...), addition...)
	}
	newData, err := c.dataPool.ReadData(bytes.NewReader(combined), len(combined))
	if err != nil {
		return 0, errors.Wrap(err, "coordinator: buffer concatenated value")
	}
	return c.commit(ctx, key, newData, view.Flags, view.Exptime, now)
}

// Incr adds delta to key's current integer value, saturating at
// math.MaxUint64 on overflow, and returns the new value.
func (c *Coordinator) Incr(ctx context.Context, key string, delta uint64, now int64) (uint64, error) {
	return c.incrDecr(ctx, key, delta, now, true)
}

// Decr subtracts delta from key's current integer value, saturating
// at 0 on underflow, and returns the new value.
func (c *Coordinator) Decr(ctx context.Context, key string, delta uint64, now int64) (uint64, error) {
	return c.incrDecr(ctx, key, delta, now, false)
}

func (c *Coordinator) incrDecr(ctx context.Context, key string, delta uint64, now int64, incr bool) (uint64, error) {
	view, ok, err := c.Get(ctx, key, now)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	raw, err := materializeView(view)
	if err != nil {
		return 0, err
	}
	current, perr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if perr != nil {
		return 0, ErrBadValue
	}
	var next uint64
	if incr {
		if current > math.MaxUint64-delta {
			next = math.MaxUint64
		} else {
			next = current + delta
		}
	} else {
		if delta > current {
			next = 0
		} else {
			next = current - delta
		}
	}
	text := strconv.FormatUint(next, 10)
	newData, err := c.dataPool.ReadData(strings.NewReader(text), len(text))
	if err != nil {
		return 0, errors.Wrap(err, "coordinator: buffer incr/decr result")
	}
	if _, err := c.commit(ctx, key, newData, view.Flags, view.Exptime, now); err != nil {
		return 0, err
	}
	return next, nil
}

// Delete removes key from both tiers (best-effort on each) and
// deregisters its TTL, reporting whether any copy existed.
func (c *Coordinator) Delete(ctx context.Context, key string, now int64) (bool, error) {
	_, l1ok := c.l1.Remove(key)
	var l2ok bool
	if c.l2Enabled {
		l2ok = c.l2.Contains(key, now)
		if err := c.pool.Submit(ctx, func() error {
			return c.l2.Delete(key)
		}); err != nil {
			return false, errors.Wrap(err, "coordinator: l2 delete")
		}
	}
	c.ttlIndex.Remove(key)
	return l1ok || l2ok, nil
}

// FlushAll advances the flush epoch to now+delay. Entries whose
// created_at predates the epoch become invisible to every read from
// that point on, per the commit-timestamp ordering rule: a write's
// visibility is decided by when it lands, not by when flush_all was
// parsed. Physical purge is asynchronous; see SweepFlushed.
func (c *Coordinator) FlushAll(delay, now int64) {
	atomic.StoreInt64(&c.flushEpoch, now+delay)
}

// OnEvict implements cache.EvictionSink. It owns item.Data's
// reference from here: it either hands the bytes to L2 (write-through
// on eviction) or, with L2 disabled or the write failing, drops them
// and counts an EvictionLoss. context.Background is used because the
// narrow EvictionSink interface carries no request context to thread
// through the shard layer; the write still runs on the worker pool so
// it counts against the same backpressure budget as any other L2 op.
func (c *Coordinator) OnEvict(item cache.Item) {
	if !c.l2Enabled {
		item.Data.Recycle()
		c.metrics.EvictionLosses.Inc(1)
		return
	}
	raw, err := materializeData(item.Data)
	if err != nil {
		c.log.Warnf("coordinator: read evicted value for %q: %v", item.Key, err)
		c.metrics.EvictionLosses.Inc(1)
		return
	}
	c.metrics.Evictions.Inc(1)
	err = c.pool.Submit(context.Background(), func() error {
		return c.l2.Put(item.Key, raw, item.Flags, item.Cas, item.CreatedAt, item.Exptime)
	})
	if err != nil {
		c.log.Warnf("coordinator: demote %q to L2: %v", item.Key, err)
		c.metrics.EvictionLosses.Inc(1)
	}
}

// DropExpired implements ttl.Dropper, removing key from both tiers
// when the shared TTL index sweeps it.
func (c *Coordinator) DropExpired(key string) {
	c.l1.Remove(key)
	if c.l2Enabled {
		_ = c.pool.Submit(context.Background(), func() error {
			return c.l2.Delete(key)
		})
	}
}

// SweepExpired runs one bounded pass of the shared TTL index over
// this coordinator, dropping every key whose deadline has passed.
func (c *Coordinator) SweepExpired(now int64, budget int) int {
	return c.ttlIndex.Sweep(now, budget, c)
}

// SweepFlushed physically removes up to budget keys per tier whose
// created_at predates the current flush epoch. It complements the
// lazy filter Get/currentMeta already apply on every read, so flushed
// keys do not linger forever if nobody reads them again. A no-op
// before the first flush_all.
func (c *Coordinator) SweepFlushed(now int64, budget int) int {
	epoch := atomic.LoadInt64(&c.flushEpoch)
	if epoch == 0 || budget <= 0 {
		return 0
	}
	var dropped int
	for _, key := range c.l1.Keys(budget) {
		if item, ok := c.l1.Get(key, now); ok && item.CreatedAt < epoch {
			c.l1.Remove(key)
			c.ttlIndex.Remove(key)
			dropped++
		}
	}
	if c.l2Enabled {
		for _, key := range c.l2.Keys(budget) {
			if m, err := c.l2.Stat(key, now); err == nil && m.CreatedAt < epoch {
				_ = c.l2.Delete(key)
				c.ttlIndex.Remove(key)
				dropped++
			}
		}
	}
	return dropped
}

// TickL1 runs L1's periodic strategy maintenance (LFU/Hybrid frequency
// aging). Hosts schedule this on their own interval.
func (c *Coordinator) TickL1(now int64) {
	c.l1.Tick(now)
}

func materializeData(data *recycle.Data) ([]byte, error) {
	defer data.Recycle()
	var buf bytes.Buffer
	buf.Grow(data.Len())
	if _, err := data.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func materializeView(view cache.ItemView) ([]byte, error) {
	defer view.Reader.Close()
	var buf bytes.Buffer
	buf.Grow(view.Bytes)
	if _, err := view.Reader.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
