// Package store implements the L2 tier: a thin adapter over a
// persistent ordered key-value engine (github.com/dgraph-io/badger/v3)
// that writes a compressed value record and a fixed-layout metadata
// record for every key, atomically, and tracks disk usage so it can
// compact by ascending creation time when it overflows its budget.
package store

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/utils"
	"github.com/pkg/errors"

	"github.com/skipor/tcached/compress"
)

// Config configures Open. DataDir must be set. A zero MaxDiskSize
// disables compaction; a zero BlockCacheSize keeps badger's own default
// block cache size.
type Config struct {
	DataDir         string
	ClearOnStartup  bool
	MaxDiskSize     int64
	BlockCacheSize  int64
}

const defaultHighWaterFraction = 0.9 // Compact back down to 90% of MaxDiskSize.

// Meta is the externally visible subset of a key's metadata record.
type Meta struct {
	Flags      uint32
	Cas        uint64
	CreatedAt  int64
	LastAccess int64
	Expiry     int64
	RawSize    uint32
	StoredSize uint32
}

type compactEntry struct {
	createdAt int64
	key       string
}

func compareCompactEntries(a, b interface{}) int {
	return utils.Int64Comparator(a.(compactEntry).createdAt, b.(compactEntry).createdAt)
}

// Store is the L2 adapter. All public methods are safe for concurrent
// use; badger itself serializes writes, and the compaction index is
// guarded by its own mutex, never held across a badger call.
type Store struct {
	db         *badger.DB
	compressor *compress.Compressor
	maxDisk    int64

	diskUsage int64 // atomic

	compactMu sync.Mutex
	compact   *priorityqueue.Queue
}

// Open opens (or creates) the badger database at cfg.DataDir. If
// cfg.ClearOnStartup, the directory is wiped first; otherwise the disk
// usage counter and compaction index are rebuilt by streaming every
// M/ record.
func Open(cfg Config, compressor *compress.Compressor) (*Store, error) {
	if cfg.ClearOnStartup {
		if err := os.RemoveAll(cfg.DataDir); err != nil {
			return nil, errors.Wrap(err, "store: clear on startup")
		}
	}

	opts := badger.DefaultOptions(cfg.DataDir).
		WithCompression(options.None). // compress package owns framing; avoid double-compression.
		WithDetectConflicts(false)     // CAS is arbitrated by the coordinator, not badger's txn conflicts.
	if cfg.BlockCacheSize > 0 {
		opts = opts.WithBlockCacheSize(cfg.BlockCacheSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}

	s := &Store{
		db:         db,
		compressor: compressor,
		maxDisk:    cfg.MaxDiskSize,
		compact:    priorityqueue.NewWith(compareCompactEntries),
	}
	if err := s.reconcile(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// reconcile streams every M/ record at startup, rebuilding the disk
// usage counter and the ascending-created_at compaction index in one
// pass so eviction order doesn't require re-scanning on every write.
func (s *Store) reconcile() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var usage int64
		for it.Rewind(); it.ValidForPrefix([]byte(metaPrefix)); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "store: reconcile read meta")
			}
			m, err := decodeMetaRecord(raw)
			if err != nil {
				continue // Corrupt record; orphan cleanup handles it lazily on next read.
			}
			usage += int64(m.StoredSize)
			key := userKeyFromMeta(it.Item().KeyCopy(nil))
			s.compact.Enqueue(compactEntry{createdAt: m.CreatedAt, key: key})
		}
		atomic.StoreInt64(&s.diskUsage, usage)
		return nil
	})
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DiskUsage() int64 { return atomic.LoadInt64(&s.diskUsage) }

// Get fetches key's value and metadata. It returns ErrNotFound on a
// clean miss. An orphaned D/ or M/ record (one present without the
// other) is treated as a miss and the surviving half is deleted
// best-effort before returning.
func (s *Store) Get(key string, now int64) ([]byte, Meta, error) {
	var rawMeta, framedData []byte
	var metaErr, dataErr error

	err := s.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get(metaKey(key)); err == nil {
			rawMeta, metaErr = item.ValueCopy(nil)
		} else {
			metaErr = err
		}
		if item, err := txn.Get(dataKey(key)); err == nil {
			framedData, dataErr = item.ValueCopy(nil)
		} else {
			dataErr = err
		}
		return nil
	})
	if err != nil {
		return nil, Meta{}, errors.Wrap(err, "store: get")
	}

	metaPresent := metaErr == nil
	dataPresent := dataErr == nil
	if !metaPresent && !dataPresent {
		return nil, Meta{}, ErrNotFound
	}
	if metaPresent != dataPresent {
		s.cleanupOrphan(key, metaPresent)
		return nil, Meta{}, ErrNotFound
	}

	m, err := decodeMetaRecord(rawMeta)
	if err != nil {
		s.deleteRecords(key, 0)
		return nil, Meta{}, ErrNotFound
	}
	if m.expired(now) {
		return nil, Meta{}, ErrNotFound
	}
	raw, err := s.compressor.Decode(framedData)
	if err != nil {
		s.deleteRecords(key, int64(m.StoredSize))
		return nil, Meta{}, errors.Wrap(err, "store: corrupt value frame")
	}
	return raw, metaToPublic(m), nil
}

// cleanupOrphan deletes whichever half-record survives, per invariant
// 2: an observer of one without the other schedules cleanup.
func (s *Store) cleanupOrphan(key string, metaPresent bool) {
	_ = s.db.Update(func(txn *badger.Txn) error {
		if metaPresent {
			return txn.Delete(metaKey(key))
		}
		return txn.Delete(dataKey(key))
	})
}

// Put writes the framed value and metadata record for key in a single
// atomic transaction, then accounts the new stored size and triggers
// compaction if the disk budget is now exceeded.
func (s *Store) Put(key string, value []byte, flags uint32, cas uint64, createdAt, expiry int64) error {
	framed := s.compressor.Encode(value)
	m := metaRecord{
		Flags:      flags,
		Cas:        cas,
		CreatedAt:  createdAt,
		LastAccess: createdAt,
		Expiry:     expiry,
		RawSize:    uint32(len(value)),
		StoredSize: uint32(len(framed)),
	}

	var previousStored int64
	err := s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(metaKey(key)); err == nil {
			if raw, err := item.ValueCopy(nil); err == nil {
				if old, err := decodeMetaRecord(raw); err == nil {
					previousStored = int64(old.StoredSize)
				}
			}
		}
		if err := txn.Set(dataKey(key), framed); err != nil {
			return err
		}
		return txn.Set(metaKey(key), m.encode())
	})
	if err != nil {
		return errors.Wrap(err, "store: put")
	}

	atomic.AddInt64(&s.diskUsage, int64(m.StoredSize)-previousStored)
	s.compactMu.Lock()
	s.compact.Enqueue(compactEntry{createdAt: createdAt, key: key})
	s.compactMu.Unlock()

	if atomic.LoadInt64(&s.diskUsage) > s.maxDisk && s.maxDisk > 0 {
		s.compactToHighWater()
	}
	return nil
}

// Delete removes both records for key, decrementing disk usage by the
// size that was actually stored. It is a no-op, not an error, if the
// key was already absent.
func (s *Store) Delete(key string) error {
	var stored int64
	err := s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(metaKey(key)); err == nil {
			if raw, err := item.ValueCopy(nil); err == nil {
				if m, err := decodeMetaRecord(raw); err == nil {
					stored = int64(m.StoredSize)
				}
			}
		}
		if err := txn.Delete(metaKey(key)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete(dataKey(key)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "store: delete")
	}
	if stored > 0 {
		atomic.AddInt64(&s.diskUsage, -stored)
	}
	return nil
}

// deleteRecords removes both records for key outside of Delete's own
// transaction (used by orphan/corruption cleanup paths that have
// already read one half) and adjusts the usage counter.
func (s *Store) deleteRecords(key string, stored int64) {
	_ = s.db.Update(func(txn *badger.Txn) error {
		_ = txn.Delete(metaKey(key))
		_ = txn.Delete(dataKey(key))
		return nil
	})
	if stored > 0 {
		atomic.AddInt64(&s.diskUsage, -stored)
	}
}

func (s *Store) Contains(key string, now int64) bool {
	_, _, err := s.Get(key, now)
	return err == nil
}

// Stat fetches key's metadata without touching its D/ record, for
// callers (ADD/REPLACE/CAS presence checks) that only need to know
// whether a key exists and its current CAS/expiry, not the value
// itself.
func (s *Store) Stat(key string, now int64) (Meta, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, errors.Wrap(err, "store: stat")
	}
	m, err := decodeMetaRecord(raw)
	if err != nil {
		return Meta{}, ErrCorruptMeta
	}
	if m.expired(now) {
		return Meta{}, ErrNotFound
	}
	return metaToPublic(m), nil
}

// Keys streams up to limit (0 = unlimited) keys via a prefix-scan of
// the M/ keyspace.
func (s *Store) Keys(limit int) []string {
	var keys []string
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(metaPrefix)); it.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}
			keys = append(keys, userKeyFromMeta(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys
}

// compactToHighWater evicts by ascending created_at until disk usage
// is back under defaultHighWaterFraction*maxDisk. Put calls it inline,
// so it runs in whatever goroutine made that Put (in production, the
// coordinator's worker-pool task); Store itself does no scheduling.
func (s *Store) compactToHighWater() {
	highWater := int64(float64(s.maxDisk) * defaultHighWaterFraction)
	for atomic.LoadInt64(&s.diskUsage) > highWater {
		s.compactMu.Lock()
		v, ok := s.compact.Dequeue()
		s.compactMu.Unlock()
		if !ok {
			return
		}
		entry := v.(compactEntry)
		if !s.currentAt(entry.key, entry.createdAt) {
			continue // Superseded by a later write; that entry is its own compaction candidate.
		}
		_ = s.Delete(entry.key)
	}
}

// currentAt reports whether key's live metadata still carries
// createdAt, i.e. whether this compaction-queue entry is not stale.
func (s *Store) currentAt(key string, createdAt int64) bool {
	var current int64 = -1
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err != nil {
			return nil
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return nil
		}
		if m, err := decodeMetaRecord(raw); err == nil {
			current = m.CreatedAt
		}
		return nil
	})
	return current == createdAt
}

func metaToPublic(m metaRecord) Meta {
	return Meta{
		Flags:      m.Flags,
		Cas:        m.Cas,
		CreatedAt:  m.CreatedAt,
		LastAccess: m.LastAccess,
		Expiry:     m.Expiry,
		RawSize:    m.RawSize,
		StoredSize: m.StoredSize,
	}
}
