package store

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a key has no M/ record.
	ErrNotFound = errors.New("store: not found")
	// ErrCorruptMeta is returned when an M/ record does not decode to the
	// expected fixed layout.
	ErrCorruptMeta = errors.New("store: corrupt metadata record")
	// ErrStorage wraps any persistent-KV I/O failure.
	ErrStorage = errors.New("store: storage error")
)
