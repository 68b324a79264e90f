package slicestore

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Value encoding tags. A one-byte tag prefixes every stored slice so the
// codec can evolve without rewriting the store.
const (
	tagRaw  = 0x00
	tagLZ4  = 0x01
	tagSize = 1
)

// compressThreshold is the minimum raw length worth compressing. Short
// slices fit a cache line; the tag-and-copy path is cheaper than lz4.
const compressThreshold = 64

// EncodeValue wraps a packed slice for storage, lz4 block-compressing it
// when that actually saves space. Dense slices (many samples sharing a
// position) compress well; near-empty ones do not.
func EncodeValue(raw []byte) []byte {
	if len(raw) >= compressThreshold {
		bound := lz4.CompressBlockBound(len(raw))
		dst := make([]byte, tagSize+4+bound)
		n, err := lz4.CompressBlock(raw, dst[tagSize+4:], nil)
		if err == nil && n > 0 && tagSize+4+n < tagSize+len(raw) {
			dst[0] = tagLZ4
			binary.LittleEndian.PutUint32(dst[tagSize:tagSize+4], uint32(len(raw)))
			return dst[:tagSize+4+n]
		}
	}

	out := make([]byte, tagSize+len(raw))
	out[0] = tagRaw
	copy(out[tagSize:], raw)
	return out
}

// DecodeValue unwraps a stored slice back to its packed form.
func DecodeValue(value []byte) ([]byte, error) {
	if len(value) < tagSize {
		return nil, fmt.Errorf("slicestore: empty slice value")
	}
	switch value[0] {
	case tagRaw:
		out := make([]byte, len(value)-tagSize)
		copy(out, value[tagSize:])
		return out, nil
	case tagLZ4:
		if len(value) < tagSize+4 {
			return nil, fmt.Errorf("slicestore: truncated lz4 slice value")
		}
		rawLen := binary.LittleEndian.Uint32(value[tagSize : tagSize+4])
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(value[tagSize+4:], out)
		if err != nil {
			return nil, fmt.Errorf("slicestore: lz4 decompress: %w", err)
		}
		if n != int(rawLen) {
			return nil, fmt.Errorf("slicestore: lz4 length mismatch: got %d want %d", n, rawLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("slicestore: unknown value tag 0x%02x", value[0])
	}
}
