// Package kmer turns nucleotide sequences into fixed-size probabilistic
// signatures.
//
// A signature is a Bloom-filter bitmap of width m with h hash functions:
// every k-mer (length-k substring, step 1) of the input sets h bit
// positions derived from a single 64-bit xxHash via double hashing
// (Kirsch-Mitzenmacher). Encoding is deterministic: the same sequence and
// parameters always produce bit-identical signatures, which is what makes
// insert-time and query-time encodings comparable.
//
// A signature encodes the SET of k-mers, not the multiset; repeated
// k-mers contribute nothing beyond their first occurrence.
package kmer

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashFuncID identifies the position-derivation scheme recorded in the
// index manifest. Changing the scheme is a format break, never a silent
// re-interpretation.
const HashFuncID = "xxhash64-km"

// EncodingError indicates a character outside the accepted alphabet.
type EncodingError struct {
	Char byte
	Pos  int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid character %q at position %d (alphabet ACGT)", e.Char, e.Pos)
}

// baseTable maps accepted characters to their canonical upper-case base.
// Zero means the character is rejected.
var baseTable = [256]byte{
	'A': 'A', 'C': 'C', 'G': 'G', 'T': 'T',
	'a': 'A', 'c': 'C', 'g': 'G', 't': 'T',
}

// Encoder derives signatures and bit positions for one parameter set.
// It is immutable and safe for concurrent use.
type Encoder struct {
	k int
	m uint64
	h int
}

// NewEncoder creates an Encoder for the given parameters.
func NewEncoder(k int, m uint64, h int) (*Encoder, error) {
	if k <= 0 {
		return nil, fmt.Errorf("kmer: k must be positive, got %d", k)
	}
	if m == 0 {
		return nil, fmt.Errorf("kmer: m must be positive")
	}
	if h <= 0 {
		return nil, fmt.Errorf("kmer: number of hash functions must be positive, got %d", h)
	}
	return &Encoder{k: k, m: m, h: h}, nil
}

// K returns the k-mer length.
func (e *Encoder) K() int { return e.k }

// M returns the signature width in bits.
func (e *Encoder) M() uint64 { return e.m }

// NumHashes returns the number of hash functions.
func (e *Encoder) NumHashes() int { return e.h }

// normalize validates seq against the alphabet and upper-cases it.
// The input slice is not modified.
func normalize(seq []byte) ([]byte, error) {
	out := make([]byte, len(seq))
	for i, c := range seq {
		b := baseTable[c]
		if b == 0 {
			return nil, &EncodingError{Char: c, Pos: i}
		}
		out[i] = b
	}
	return out, nil
}

// Positions returns the h bit positions for a single k-mer.
// Double hashing: pos_i = (h1 + i*h2) mod m, with h2 forced odd so the
// probe sequence never degenerates.
func (e *Encoder) Positions(km []byte) []uint64 {
	out := make([]uint64, e.h)
	e.positionsInto(km, out)
	return out
}

func (e *Encoder) positionsInto(km []byte, out []uint64) {
	h1 := xxhash.Sum64(km)
	h2 := mix(h1) | 1
	for i := 0; i < e.h; i++ {
		out[i] = (h1 + uint64(i)*h2) % e.m
	}
}

// mix is SplitMix64, decorrelating the second hash from the first.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Encode builds the signature of seq. A sequence shorter than k yields
// an empty (all-zero) signature, not an error.
func (e *Encoder) Encode(seq []byte) (*Signature, error) {
	norm, err := normalize(seq)
	if err != nil {
		return nil, err
	}

	sig := NewSignature(e.m)
	if len(norm) < e.k {
		return sig, nil
	}

	pos := make([]uint64, e.h)
	for i := 0; i+e.k <= len(norm); i++ {
		e.positionsInto(norm[i:i+e.k], pos)
		for _, p := range pos {
			sig.Set(p)
		}
	}
	return sig, nil
}

// CountDistinct returns the number of distinct k-mers in seq.
func (e *Encoder) CountDistinct(seq []byte) (int, error) {
	norm, err := normalize(seq)
	if err != nil {
		return 0, err
	}
	if len(norm) < e.k {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(norm)-e.k+1)
	for i := 0; i+e.k <= len(norm); i++ {
		seen[string(norm[i:i+e.k])] = struct{}{}
	}
	return len(seen), nil
}

// PositionSets returns, for every DISTINCT k-mer of seq, that k-mer's h
// derived positions. Order follows first occurrence in the sequence.
//
// The query engine needs the per-k-mer grouping: scoring must AND each
// k-mer's own slices before counting survivors, otherwise Bloom
// collisions from unrelated k-mers leak into the score.
func (e *Encoder) PositionSets(seq []byte) ([][]uint64, error) {
	norm, err := normalize(seq)
	if err != nil {
		return nil, err
	}
	if len(norm) < e.k {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(norm)-e.k+1)
	sets := make([][]uint64, 0, len(norm)-e.k+1)
	for i := 0; i+e.k <= len(norm); i++ {
		km := norm[i : i+e.k]
		if _, ok := seen[string(km)]; ok {
			continue
		}
		seen[string(km)] = struct{}{}
		sets = append(sets, e.Positions(km))
	}
	return sets, nil
}
