package store

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store", func() {
	var s *Store

	AfterEach(func() {
		if s != nil {
			_ = s.Close()
			_ = os_RemoveAll(s)
		}
	})

	It("round-trips a Put through Get", func() {
		s = openTestStore(1 << 20)
		Expect(s.Put("k", []byte("hello"), 7, 1, 100, 0)).To(Succeed())

		value, meta, err := s.Get("k", 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal([]byte("hello")))
		Expect(meta.Flags).To(Equal(uint32(7)))
		Expect(meta.Cas).To(Equal(uint64(1)))
	})

	It("reports ErrNotFound for a missing key", func() {
		s = openTestStore(1 << 20)
		_, _, err := s.Get("missing", 0)
		Expect(err).To(Equal(ErrNotFound))
	})

	It("treats an expired entry as a miss without deleting the record", func() {
		s = openTestStore(1 << 20)
		Expect(s.Put("k", []byte("v"), 0, 1, 0, 5)).To(Succeed())

		_, _, err := s.Get("k", 10)
		Expect(err).To(Equal(ErrNotFound))
		Expect(s.hasDataRecord("k")).To(BeTrue())
	})

	It("cleans up an orphaned data record with no matching metadata", func() {
		s = openTestStore(1 << 20)
		Expect(s.Put("k", []byte("v"), 0, 1, 0, 0)).To(Succeed())
		Expect(s.deleteMetaOnly("k")).To(Succeed())

		_, _, err := s.Get("k", 0)
		Expect(err).To(Equal(ErrNotFound))
		Expect(s.hasDataRecord("k")).To(BeFalse())
	})

	It("Delete removes both records and decrements disk usage", func() {
		s = openTestStore(1 << 20)
		Expect(s.Put("k", []byte("hello world"), 0, 1, 0, 0)).To(Succeed())
		before := s.DiskUsage()
		Expect(before).To(BeNumerically(">", 0))

		Expect(s.Delete("k")).To(Succeed())
		Expect(s.DiskUsage()).To(Equal(int64(0)))
		_, _, err := s.Get("k", 0)
		Expect(err).To(Equal(ErrNotFound))
	})

	It("Keys lists every resident key up to the limit", func() {
		s = openTestStore(1 << 20)
		for _, k := range []string{"a", "b", "c"} {
			Expect(s.Put(k, []byte("v"), 0, 1, 0, 0)).To(Succeed())
		}
		Expect(s.Keys(0)).To(HaveLen(3))
		Expect(s.Keys(2)).To(HaveLen(2))
	})

	It("compacts by ascending created_at once disk usage exceeds the cap", func() {
		// 200 distinct bytes give LZ4 nothing to match, so each value is
		// stored raw (205 framed bytes) and the third Put exceeds the cap.
		value := make([]byte, 200)
		for i := range value {
			value[i] = byte(i)
		}
		s = openTestStore(500)
		Expect(s.Put("old", value, 0, 1, 100, 0)).To(Succeed())
		Expect(s.Put("mid", value, 0, 2, 200, 0)).To(Succeed())
		Expect(s.Put("new", value, 0, 3, 300, 0)).To(Succeed())

		_, _, err := s.Get("old", 0)
		Expect(err).To(Equal(ErrNotFound))
		_, _, err = s.Get("new", 0)
		Expect(err).NotTo(HaveOccurred())
	})

	It("reconciles disk usage and compaction order from an existing directory on reopen", func() {
		s = openTestStore(1 << 20)
		Expect(s.Put("a", []byte("hello"), 0, 1, 10, 0)).To(Succeed())
		dir := s.db.Opts().Dir
		Expect(s.Close()).To(Succeed())

		reopened, err := Open(Config{DataDir: dir, MaxDiskSize: 1 << 20}, s.compressor)
		Expect(err).NotTo(HaveOccurred())
		Expect(reopened.DiskUsage()).To(BeNumerically(">", 0))
		s = reopened
	})
})
