// Package ttl implements the expiry index shared by the L1 and L2
// tiers: a key->deadline map plus a min-heap over deadlines that the
// reaper sweeps on a bounded budget.
package ttl

import (
	"sync"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/utils"
)

// Dropper is the narrow callback the coordinator implements so the
// index never holds a back-pointer to it.
type Dropper interface {
	DropExpired(key string)
}

type heapEntry struct {
	deadline int64
	key      string
	gen      uint64
}

func compareEntries(a, b interface{}) int {
	return utils.Int64Comparator(a.(heapEntry).deadline, b.(heapEntry).deadline)
}

// Index tracks the expiry deadline of every key that has one. Keys with
// no deadline (exptime 0, "never") are simply absent from the index.
type Index struct {
	mu        sync.Mutex
	deadlines map[string]int64
	gens      map[string]uint64
	heap      *priorityqueue.Queue
	nextGen   uint64
}

func NewIndex() *Index {
	return &Index{
		deadlines: make(map[string]int64),
		gens:      make(map[string]uint64),
		heap:      priorityqueue.NewWith(compareEntries),
	}
}

// Set records key's deadline, replacing any previous one. expiry == 0
// removes key from the index ("never expires").
func (idx *Index) Set(key string, expiry int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if expiry == 0 {
		delete(idx.deadlines, key)
		delete(idx.gens, key)
		return
	}
	idx.nextGen++
	gen := idx.nextGen
	idx.deadlines[key] = expiry
	idx.gens[key] = gen
	idx.heap.Enqueue(heapEntry{deadline: expiry, key: key, gen: gen})
}

// Remove deregisters key, e.g. on DELETE or eviction.
func (idx *Index) Remove(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.deadlines, key)
	delete(idx.gens, key)
}

// Check reports whether key is logically expired as of now. A key with
// no registered deadline is never expired.
func (idx *Index) Check(key string, now int64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	deadline, ok := idx.deadlines[key]
	if !ok {
		return false
	}
	return deadline != 0 && deadline <= now
}

// Sweep pops heap entries with deadline <= now, up to budget live (i.e.
// non-tombstoned) keys, and invokes d.DropExpired(key) for each,
// outside the index lock. It returns the number of keys dropped.
func (idx *Index) Sweep(now int64, budget int, d Dropper) int {
	victims := idx.collectExpired(now, budget)
	for _, key := range victims {
		d.DropExpired(key)
	}
	return len(victims)
}

func (idx *Index) collectExpired(now int64, budget int) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var victims []string
	for len(victims) < budget {
		v, ok := idx.heap.Peek()
		if !ok {
			break
		}
		e := v.(heapEntry)
		if e.deadline > now {
			break
		}
		idx.heap.Dequeue()
		curGen, live := idx.gens[e.key]
		if !live || curGen != e.gen {
			continue // Tombstoned: superseded or already removed.
		}
		delete(idx.deadlines, e.key)
		delete(idx.gens, e.key)
		victims = append(victims, e.key)
	}
	return victims
}

// Len reports how many keys currently carry a deadline (for tests and
// diagnostics; O(1)).
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.deadlines)
}
