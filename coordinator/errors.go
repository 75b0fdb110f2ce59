package coordinator

import "github.com/pkg/errors"

// Business-logic outcomes: not failures, but results a caller branches
// on to choose a wire response.
var (
	// ErrNotFound is returned by CAS/INCR/DECR when the key is absent
	// from both tiers.
	ErrNotFound = errors.New("coordinator: not found")
	// ErrNotStored is returned by ADD when the key already exists, and
	// by REPLACE/APPEND/PREPEND when it does not.
	ErrNotStored = errors.New("coordinator: not stored")
	// ErrExists is returned by CAS when the caller's token does not
	// match the key's current CAS value.
	ErrExists = errors.New("coordinator: exists")
	// ErrBadValue is returned by INCR/DECR when the stored value is not
	// the decimal ASCII of an unsigned 64-bit integer.
	ErrBadValue = errors.New("coordinator: value is not a number")
)
