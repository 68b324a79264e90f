package slicestore

import (
	"fmt"
	"strconv"
)

// KeyWidth is the fixed decimal width of slice keys. Twelve digits cover
// any realistic Bloom width while keeping keys human-readable in store
// dumps.
const KeyWidth = 12

// Key encodes a bit position as a fixed-width, zero-padded decimal so
// that lexicographic order matches numeric order.
func Key(p uint64) []byte {
	return []byte(fmt.Sprintf("%0*d", KeyWidth, p))
}

// ParseKey decodes a key produced by Key.
func ParseKey(key []byte) (uint64, error) {
	if len(key) != KeyWidth {
		return 0, fmt.Errorf("slicestore: bad key length %d", len(key))
	}
	p, err := strconv.ParseUint(string(key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("slicestore: bad key %q: %w", key, err)
	}
	return p, nil
}
