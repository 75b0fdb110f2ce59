// Package compress implements the framed compress/decompress contract
// used by the L2 store for the `D/<key>` record: a 1-byte header
// ({0=raw, 1=LZ4}), a little-endian u32 raw length, then the payload.
package compress

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Header identifies the framing applied to a payload.
type Header byte

const (
	HeaderRaw Header = 0
	HeaderLZ4 Header = 1

	frameHeaderSize = 1 + 4 // header byte + raw_len u32 LE
)

// ErrCorruptFrame is returned by Decode when the header byte is unknown
// or the declared raw_len disagrees with the decompressed length.
var ErrCorruptFrame = errors.New("corrupt frame")

// Compressor applies the threshold/LZ4 policy described in spec §4.1.
// It is safe for concurrent use; lz4 compressor/decompressor state is
// allocated per call, not shared.
type Compressor struct {
	threshold int
	enableLZ4 bool
}

func New(threshold int, enableLZ4 bool) *Compressor {
	return &Compressor{threshold: threshold, enableLZ4: enableLZ4}
}

// Encode frames raw for storage. Below the threshold, or with LZ4
// disabled, or when LZ4 fails to shrink the payload, the raw framing is
// used instead.
func (c *Compressor) Encode(raw []byte) []byte {
	if !c.enableLZ4 || len(raw) < c.threshold {
		return frame(HeaderRaw, raw, raw)
	}
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(raw, dst, ht[:])
	if err != nil || n == 0 || n >= len(raw) {
		return frame(HeaderRaw, raw, raw)
	}
	return frame(HeaderLZ4, raw, dst[:n])
}

// Decode reverses Encode. It never retains framed.
func (c *Compressor) Decode(framed []byte) ([]byte, error) {
	if len(framed) < frameHeaderSize {
		return nil, ErrCorruptFrame
	}
	header := Header(framed[0])
	rawLen := binary.LittleEndian.Uint32(framed[1:5])
	payload := framed[frameHeaderSize:]
	switch header {
	case HeaderRaw:
		if uint32(len(payload)) != rawLen {
			return nil, ErrCorruptFrame
		}
		raw := make([]byte, len(payload))
		copy(raw, payload)
		return raw, nil
	case HeaderLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptFrame, err.Error())
		}
		if uint32(n) != rawLen {
			return nil, ErrCorruptFrame
		}
		return raw, nil
	default:
		return nil, ErrCorruptFrame
	}
}

func frame(h Header, raw, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = byte(h)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(raw)))
	copy(out[frameHeaderSize:], payload)
	return out
}
