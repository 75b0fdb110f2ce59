package cache

import "github.com/pkg/errors"

// ErrL1Full is returned by callers that check WouldFit and find an
// item cannot be admitted anywhere in L1, with L2 unavailable to take
// the overflow instead.
var ErrL1Full = errors.New("cache: L1 full")
