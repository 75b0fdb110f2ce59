package cache

import "sync"

// EvictionSink receives items a shard evicts to make room for a new
// insert. The L1 Store wires this to the coordinator, which is
// responsible for demoting the item to L2 before it is lost; the shard
// itself never talks to L2 or to the coordinator directly.
//
// The shard hands the evicted Item to OnEvict still holding its
// reference on item.Data and does not call Recycle itself: the
// implementation owns that reference and must call item.Data.Recycle
// once it no longer needs the bytes, whether that is after copying
// them into an L2 write or immediately if it drops the item. Every
// other removal path (expiry, explicit remove, key replacement) never
// reaches OnEvict and recycles the buffer itself.
type EvictionSink interface {
	OnEvict(item Item)
}

// shard is one slice of the sharded L1 map: its own table, its own
// eviction queue, its own lock. Shards never talk to each other.
type shard struct {
	mu         sync.RWMutex
	table      map[string]*node
	queue      *queue
	strategy   Strategy
	maxBytes   int64
	maxEntries int64
	sink       EvictionSink
}

func newShard(strategy Strategy, maxBytes, maxEntries int64, sink EvictionSink) *shard {
	return &shard{
		table:      make(map[string]*node),
		queue:      newQueue(),
		strategy:   strategy,
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		sink:       sink,
	}
}

// get returns the item stored under key if present and not expired as
// of now. A hit updates the strategy's recency/frequency bookkeeping.
// An expired hit removes the entry and reports a miss.
func (s *shard) get(key string, now int64) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.table[key]
	if !ok {
		return Item{}, false
	}
	if n.expired(now) {
		s.removeNode(n)
		n.Data.Recycle()
		return Item{}, false
	}
	s.strategy.OnHit(n, now)
	return n.Item, true
}

// peek is like get but never updates strategy bookkeeping or removes
// expired entries, so it does not perturb eviction order.
func (s *shard) peek(key string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.table[key]
	if !ok {
		return Item{}, false
	}
	return n.Item, true
}

// insert stores item, evicting as many victims as needed to stay under
// maxBytes. It returns the items evicted, oldest-evicted-first, so
// callers can demote them in order. The sink is invoked after the
// shard lock is released: OnEvict may block on L2 I/O, and a shard
// lock must never be held across that kind of suspension point.
func (s *shard) insert(item Item, now int64) []Item {
	s.mu.Lock()

	if old, ok := s.table[item.Key]; ok {
		s.removeNode(old)
		old.Data.Recycle()
	}

	n := newNode(item)
	s.strategy.OnInsert(s.queue, n, now)
	s.table[item.Key] = n

	var evicted []Item
	overBytes := func() bool { return s.maxBytes > 0 && s.queue.size > s.maxBytes }
	overEntries := func() bool { return s.maxEntries > 0 && int64(len(s.table)) > s.maxEntries }
	for (overBytes() || overEntries()) && !s.queue.empty() {
		victim := s.strategy.ChooseVictim(s.queue, now)
		if victim == nil || victim == n {
			break
		}
		evicted = append(evicted, victim.Item)
		delete(s.table, victim.Key)
		s.strategy.OnRemove(s.queue, victim)
	}
	s.mu.Unlock()

	if s.sink != nil {
		for _, e := range evicted {
			s.sink.OnEvict(e)
		}
	}
	return evicted
}

// remove deletes key unconditionally (no eviction sink callback: the
// caller already knows it removed the item itself).
func (s *shard) remove(key string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.table[key]
	if !ok {
		return Item{}, false
	}
	item := n.Item
	s.removeNode(n)
	item.Data.Recycle()
	return item, true
}

func (s *shard) removeNode(n *node) {
	delete(s.table, n.Key)
	s.strategy.OnRemove(s.queue, n)
}

// wouldFit reports whether an item of size bytes fits under this
// shard's own byte budget in isolation, ignoring current occupancy
// (insert evicts other entries until the new one fits).
func (s *shard) wouldFit(size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.maxBytes > 0 && size > s.maxBytes {
		return false
	}
	return true
}

func (s *shard) contains(key string, now int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.table[key]
	if !ok {
		return false
	}
	return !n.expired(now)
}

func (s *shard) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// keys appends up to limit of this shard's keys (0 means unlimited) to
// dst and returns the result.
func (s *shard) keys(dst []string, limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(dst)
	for k := range s.table {
		if limit > 0 && len(dst)-start >= limit {
			break
		}
		dst = append(dst, k)
	}
	return dst
}

// tick runs strategy maintenance (LFU/Hybrid frequency aging).
func (s *shard) tick(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy.Tick(s.queue, now)
}

// evictExpired removes every node whose deadline has passed as of now,
// up to budget removals, invoking the sink's eviction-adjacent cleanup
// is NOT done here: expiry is a drop, not a demotion, so the sink is
// intentionally not called. Returns the keys dropped.
func (s *shard) evictExpired(now int64, budget int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	n := s.queue.head()
	for !s.queue.end(n) && (budget <= 0 || len(dropped) < budget) {
		next := n.next
		if n.expired(now) {
			dropped = append(dropped, n.Key)
			s.removeNode(n)
			n.Data.Recycle()
		}
		n = next
	}
	return dropped
}
