package cache

import (
	"fmt"

	"github.com/skipor/tcached/internal/tag"
)

// queue is a doubly linked list of nodes bounded by two fake sentinel
// nodes, so traversal never needs a nil check. head() is the oldest
// node (closest to insertion/FIFO order or the LRU eviction end);
// tail() is the newest/most-recently-pushed node. Strategies reorder
// nodes within a queue (or not, for FIFO) by detaching and relinking
// them; the queue itself does not know which strategy owns it.
type queue struct {
	size int64

	// Fake nodes. Real nodes live strictly between them.
	// nil <- fakeHead <-> node_0 <-> ... <-> node_(n-1) <-> fakeTail -> nil
	fakeHead *node
	fakeTail *node
}

const (
	fakeHeadKey = " !HEAD! "
	fakeTailKey = " !TAIL! "
)

func newQueue() *queue {
	q := &queue{}
	q.fakeHead, q.fakeTail = &node{}, &node{}
	q.fakeHead.Key = fakeHeadKey
	q.fakeTail.Key = fakeTailKey
	link(q.fakeHead, q.fakeTail)
	return q
}

// pushTail attaches n as the newest node, right before fakeTail.
func (q *queue) pushTail(n *node) {
	n.owner = q
	q.size += n.size()
	link(q.tail(), n)
	link(n, q.fakeTail)
}

func (q *queue) head() *node { return q.fakeHead.next }
func (q *queue) tail() *node { return q.fakeTail.prev }
func (q *queue) end(n *node) bool {
	if tag.Debug && n.owner != q {
		panic("check end of not-owned node")
	}
	return n == q.fakeTail
}
func (q *queue) empty() bool { return q.size == 0 }

type node struct {
	Item
	// freq and lastAccess are eviction-strategy bookkeeping. Strategies
	// that don't need one simply never touch it.
	freq       float64
	lastAccess int64
	rank       uint64 // Monotonic insertion rank set by LFU/Hybrid; ChooseVictim breaks ties by queue position, not by rank.

	owner *queue
	prev  *node
	next  *node
}

func newNode(i Item) *node { return &node{Item: i} }

// disown removes n from its owning queue's accounting. Callers must
// also detach n from the linked list if it is still linked.
func (n *node) disown() {
	n.owner.size -= n.size()
	if tag.Debug {
		n.owner = nil
	}
}

func (n *node) detach() {
	link(n.prev, n.next)
	if tag.Debug {
		n.prev = nil
		n.next = nil
	}
}

// extraSizePerNode approximates the bookkeeping overhead of an empty
// item (Item, recycle.Data, node, two hash table cells), so that a cache
// can't be blown up with a flood of tiny values.
const extraSizePerNode = 256

func (n *node) size() int64 {
	return int64(extraSizePerNode + len(n.Key) + n.Bytes)
}

// AccountedSize returns the number of bytes an item with the given key
// and value length counts against a shard's byte budget, including the
// fixed per-entry bookkeeping overhead node.size() applies. Callers
// outside this package (the coordinator, admission checks) use this to
// stay in the same units as Config.MaxBytes/WouldFit.
func AccountedSize(key string, valueLen int) int64 {
	return int64(extraSizePerNode + len(key) + valueLen)
}

func link(a, b *node) { a.next, b.prev = b, a }

// moveToTail detaches n from wherever it sits in its owning queue and
// re-links it as the newest node, i.e. the plain LRU "move to front of
// recency" operation.
func moveToTail(n *node) {
	q := n.owner
	link(n.prev, n.next)
	link(q.tail(), n)
	link(n, q.fakeTail)
}

func (n *node) GoString() string {
	key := func(n *node) interface{} {
		if n == nil {
			return nil
		}
		return n.Key
	}
	return fmt.Sprintf("{Item:%#v, owner:%p, prev:%v, next:%v}",
		n.Item, n.owner, key(n.prev), key(n.next))
}

var _ fmt.GoStringer
