// Package slicestore persists the column-major transposition of sample
// signatures.
//
// For every bit position p in [0, m) the store holds one bit-slice: a
// packed bitmap whose bit i is sample rank i's value at position p.
// Slices grow only by appending, one bit per inserted sample, and are
// keyed by a fixed-width encoding of p so lexicographic key order equals
// numeric order (range scans walk positions in order).
//
// # Append model
//
// An insert only writes the slices where the new sample's bit is 1; all
// other slices are left untouched and implicitly zero-extended at read
// time. Readers pin a Version and pad/truncate every fetched slice to
// that version's sample count, masking trailing bits. Bits written by an
// in-flight insert always live at ranks at or above the pinned count, so
// partially appended samples are invisible until Seal publishes them.
package slicestore

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("slicestore: store is closed")

// ErrSliceNotFound is returned when a slice has never been written.
// Callers usually treat this as an all-zero slice.
var ErrSliceNotFound = errors.New("slicestore: slice not found")

// Version is a sealed, queryable snapshot token. All reads of one query
// must be pinned to a single Version so a concurrent insert (sample
// count growing) stays invisible to that query.
type Version struct {
	// Seq increases by one per successful seal.
	Seq uint64
	// SampleCount is the number of samples visible at this version.
	SampleCount uint32
}

func (v Version) String() string {
	return fmt.Sprintf("v%d/%d", v.Seq, v.SampleCount)
}

// Store is the bit-slice persistence contract.
//
// AppendSample and Seal follow single-writer discipline: the index
// serializes them behind its insert lock. GetSlice and Scan are safe for
// unbounded concurrent use against any sealed version.
type Store interface {
	// GetSlice returns the bit-slice at position p, padded or truncated
	// to ceil(v.SampleCount/8) bytes with trailing bits masked. A slice
	// never written returns an all-zero bitmap of that length.
	GetSlice(ctx context.Context, v Version, p uint64) ([]byte, error)

	// AppendSample sets bit `rank` in every slice listed in positions.
	// Positions must be the set positions of one sample's signature.
	AppendSample(ctx context.Context, rank uint32, positions []uint64) error

	// PutSlice replaces the slice at position p wholesale. Only snapshot
	// import uses it; like AppendSample it is a writer-side operation and
	// invisible until the following Seal.
	PutSlice(ctx context.Context, p uint64, bits []byte) error

	// Seal publishes sampleCount as the new readable state and returns
	// the resulting version.
	Seal(ctx context.Context, sampleCount uint32) (Version, error)

	// Current returns the latest sealed version.
	Current() Version

	// Scan visits every written slice in ascending position order at the
	// pinned version. Used for rebuild, compaction and snapshot export.
	Scan(ctx context.Context, v Version, fn func(p uint64, bits []byte) error) error

	Close() error
}

// SliceBytes returns the packed byte length for count samples.
func SliceBytes(count uint32) int {
	return int(count+7) / 8
}

// TrimSlice pads or truncates a raw slice to exactly count samples,
// masking any bits of the final byte beyond count. The input may be
// returned directly when already the right shape.
func TrimSlice(bits []byte, count uint32) []byte {
	want := SliceBytes(count)
	switch {
	case len(bits) < want:
		grown := make([]byte, want)
		copy(grown, bits)
		bits = grown
	case len(bits) > want:
		bits = bits[:want]
	}
	if rem := count % 8; rem != 0 && want > 0 {
		bits[want-1] &= byte(1<<rem) - 1
	}
	return bits
}

// SetBit sets bit i in a packed slice, growing it as needed, and
// returns the (possibly reallocated) slice.
func SetBit(bits []byte, i uint32) []byte {
	need := int(i/8) + 1
	if len(bits) < need {
		grown := make([]byte, need)
		copy(grown, bits)
		bits = grown
	}
	bits[i/8] |= 1 << (i % 8)
	return bits
}

// Truncate rewinds a store to count samples: bits at ranks at or above
// count are cleared from every written slice, then count is sealed as
// the new readable state. The index uses it on open to reconcile a
// store whose slices ran ahead of the manifest. Clearing, not merely
// masking, matters: the next insert reuses the orphaned ranks, and
// SetBit only ever ORs bits in, so leftover bits would merge into the
// new sample's column.
func Truncate(ctx context.Context, s Store, count uint32) (Version, error) {
	cur := s.Current()

	// Orphaned bits can also sit past the sealed count itself (an
	// append whose seal never happened), so the scan widens by a byte
	// to expose them.
	wide := Version{Seq: cur.Seq, SampleCount: cur.SampleCount + 8}

	type orphan struct {
		p    uint64
		bits []byte
	}
	var orphans []orphan
	err := s.Scan(ctx, wide, func(p uint64, bits []byte) error {
		if !anyBitAtOrAbove(bits, count) {
			return nil
		}
		cp := make([]byte, len(bits))
		copy(cp, bits)
		orphans = append(orphans, orphan{p: p, bits: TrimSlice(cp, count)})
		return nil
	})
	if err != nil {
		return Version{}, err
	}

	// Rewrites happen after the scan completes; Bolt holds a read
	// transaction open for the scan's whole duration.
	for _, o := range orphans {
		if err := s.PutSlice(ctx, o.p, o.bits); err != nil {
			return Version{}, err
		}
	}
	return s.Seal(ctx, count)
}

// anyBitAtOrAbove reports whether any bit at rank count or higher is
// set in a packed slice.
func anyBitAtOrAbove(bits []byte, count uint32) bool {
	i := int(count / 8)
	if i >= len(bits) {
		return false
	}
	if rem := count % 8; rem != 0 {
		if bits[i]&^(byte(1<<rem)-1) != 0 {
			return true
		}
		i++
	}
	for ; i < len(bits); i++ {
		if bits[i] != 0 {
			return true
		}
	}
	return false
}
