package coordinator

import (
	"io"

	"github.com/skipor/tcached/recycle"
)

// ChunkIterator turns a value's DataReader into a bounded sequence of
// fixed-size chunks, the "next_chunk(n) -> bytes?" iterator streaming
// GET needs: lazy, finite, non-restartable, backed by the same pooled
// buffer the value already lives in. Close (called automatically once
// the sequence is exhausted, or explicitly if the caller stops early)
// releases the underlying reader exactly once.
type ChunkIterator struct {
	r      *recycle.DataReader
	buf    []byte
	closed bool
}

// NewChunkIterator returns an iterator over r's remaining bytes,
// yielding chunks of at most chunkSize bytes each.
func NewChunkIterator(r *recycle.DataReader, chunkSize int) *ChunkIterator {
	return &ChunkIterator{r: r, buf: make([]byte, chunkSize)}
}

// Next returns the next chunk (a slice into the iterator's internal
// buffer, valid only until the following Next call) and whether one
// was produced. A false result means the sequence is exhausted; the
// underlying reader has already been closed.
func (c *ChunkIterator) Next() ([]byte, bool) {
	if c.closed {
		return nil, false
	}
	n, err := io.ReadFull(c.r, c.buf)
	if n > 0 && (err == nil || err == io.ErrUnexpectedEOF) {
		if err == io.ErrUnexpectedEOF {
			c.Close()
		}
		return c.buf[:n], true
	}
	c.Close()
	return nil, false
}

// Close releases the underlying reader if Next has not already done
// so. Safe to call multiple times.
func (c *ChunkIterator) Close() {
	if !c.closed {
		c.closed = true
		c.r.Close()
	}
}
