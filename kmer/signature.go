package kmer

import (
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
)

// signatureMagic marks a serialized signature stream.
const signatureMagic = uint32(0x42534947) // "BSIG"

// ErrBadSignature is returned when a serialized signature is malformed.
var ErrBadSignature = errors.New("kmer: malformed signature data")

// Signature is a fixed-width bitmap over [0, m). It is built once per
// sample and immutable afterwards; the index folds it into bit-slices
// and discards it.
type Signature struct {
	m     uint64
	words []uint64
}

// NewSignature creates an all-zero signature of width m bits.
func NewSignature(m uint64) *Signature {
	return &Signature{
		m:     m,
		words: make([]uint64, (m+63)/64),
	}
}

// Len returns the width m in bits.
func (s *Signature) Len() uint64 { return s.m }

// Set sets bit p. Out-of-range positions are ignored.
func (s *Signature) Set(p uint64) {
	if p >= s.m {
		return
	}
	s.words[p>>6] |= 1 << (p & 63)
}

// Test reports whether bit p is set.
func (s *Signature) Test(p uint64) bool {
	if p >= s.m {
		return false
	}
	return s.words[p>>6]&(1<<(p&63)) != 0
}

// Count returns the number of set bits.
func (s *Signature) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Ones returns all set bit positions in ascending order.
func (s *Signature) Ones() []uint64 {
	out := make([]uint64, 0, s.Count())
	for wi, w := range s.words {
		base := uint64(wi) * 64
		for w != 0 {
			out = append(out, base+uint64(bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
	return out
}

// WriteTo serializes the signature: magic, width, then the packed words
// in little-endian order.
func (s *Signature) WriteTo(w io.Writer) (int64, error) {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], signatureMagic)
	binary.LittleEndian.PutUint64(hdr[4:12], s.m)
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	n := int64(len(hdr))

	var buf [8]byte
	for _, word := range s.words {
		binary.LittleEndian.PutUint64(buf[:], word)
		if _, err := w.Write(buf[:]); err != nil {
			return n, err
		}
		n += 8
	}
	return n, nil
}

// ReadSignature deserializes a signature written by WriteTo.
func ReadSignature(r io.Reader) (*Signature, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != signatureMagic {
		return nil, ErrBadSignature
	}
	m := binary.LittleEndian.Uint64(hdr[4:12])
	if m == 0 {
		return nil, ErrBadSignature
	}

	sig := NewSignature(m)
	var buf [8]byte
	for i := range sig.words {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, ErrBadSignature
		}
		sig.words[i] = binary.LittleEndian.Uint64(buf[:])
	}
	return sig, nil
}
