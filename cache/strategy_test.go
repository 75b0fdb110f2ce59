package cache

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func pushItems(q *queue, s Strategy, now int64, keys ...string) []*node {
	var nodes []*node
	for _, k := range keys {
		n := newNode(Item{ItemMeta: ItemMeta{Key: k}})
		s.OnInsert(q, n, now)
		nodes = append(nodes, n)
	}
	return nodes
}

var _ = Describe("lruStrategy", func() {
	It("evicts the least recently used key, not the oldest inserted", func() {
		q := newQueue()
		s := NewStrategy(StrategyLRU, DefaultHybridWeights)
		nodes := pushItems(q, s, 0, "a", "b", "c")
		s.OnHit(nodes[0], 1) // touch "a"; "b" is now the least recently used.

		victim := s.ChooseVictim(q, 2)
		Expect(victim.Key).To(Equal("b"))
	})

	It("evicts insertion order when nothing has been hit", func() {
		q := newQueue()
		s := NewStrategy(StrategyLRU, DefaultHybridWeights)
		pushItems(q, s, 0, "a", "b", "c")
		Expect(s.ChooseVictim(q, 0).Key).To(Equal("a"))
	})
})

var _ = Describe("fifoStrategy", func() {
	It("ignores hits entirely: insertion order always wins", func() {
		q := newQueue()
		s := NewStrategy(StrategyFIFO, DefaultHybridWeights)
		nodes := pushItems(q, s, 0, "a", "b", "c")
		s.OnHit(nodes[0], 1)
		s.OnHit(nodes[0], 2)

		Expect(s.ChooseVictim(q, 3).Key).To(Equal("a"))
	})
})

var _ = Describe("lfuStrategy", func() {
	It("evicts the least frequently used key", func() {
		q := newQueue()
		s := NewStrategy(StrategyLFU, DefaultHybridWeights)
		nodes := pushItems(q, s, 0, "a", "b", "c")
		s.OnHit(nodes[0], 1)
		s.OnHit(nodes[0], 1)
		s.OnHit(nodes[2], 1)

		Expect(s.ChooseVictim(q, 2).Key).To(Equal("b"))
	})

	It("breaks frequency ties in favor of the older insertion", func() {
		q := newQueue()
		s := NewStrategy(StrategyLFU, DefaultHybridWeights)
		pushItems(q, s, 0, "a", "b", "c")
		Expect(s.ChooseVictim(q, 1).Key).To(Equal("a"))
	})

	It("halves frequencies on Tick", func() {
		q := newQueue()
		s := NewStrategy(StrategyLFU, DefaultHybridWeights)
		nodes := pushItems(q, s, 0, "a")
		s.OnHit(nodes[0], 1)
		s.OnHit(nodes[0], 1)
		before := nodes[0].freq
		s.Tick(q, 2)
		Expect(nodes[0].freq).To(Equal(before / 2))
	})
})

var _ = Describe("hybridStrategy", func() {
	It("prefers a frequently-hit-but-stale key over a fresh-but-cold one when beta dominates", func() {
		q := newQueue()
		s := NewStrategy(StrategyHybrid, HybridWeights{Alpha: 0.1, Beta: 0.9})
		hot := pushItems(q, s, 0, "hot")[0]
		for i := 0; i < 10; i++ {
			s.OnHit(hot, 1)
		}
		pushItems(q, s, 90, "cold")
		// "cold" was inserted later (more recent) but has frequency 1;
		// with beta dominating, "cold" is the lower-scoring victim.
		Expect(s.ChooseVictim(q, 100).Key).To(Equal("cold"))
	})

	It("prefers a stale key over a recently touched one when alpha dominates", func() {
		q := newQueue()
		s := NewStrategy(StrategyHybrid, HybridWeights{Alpha: 0.9, Beta: 0.1})
		nodes := pushItems(q, s, 0, "a", "b")
		s.OnHit(nodes[1], 100) // "b" touched recently; "a" left stale.

		Expect(s.ChooseVictim(q, 101).Key).To(Equal("a"))
	})
})
