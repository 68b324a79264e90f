package testutil

import (
	"math/rand"
	"sync"
)

var bases = []byte("ACGT")

// RNG encapsulates a seeded random number generator. It is thread-safe
// and reproducible: the same seed always yields the same sequences.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Sequence returns a random nucleotide sequence of length n.
func (r *RNG) Sequence(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := make([]byte, n)
	for i := range seq {
		seq[i] = bases[r.rand.Intn(len(bases))]
	}
	return seq
}

// Sequences returns count independent random sequences of length n.
func (r *RNG) Sequences(count, n int) [][]byte {
	out := make([][]byte, count)
	for i := range out {
		out[i] = r.Sequence(n)
	}
	return out
}

// Mutate returns a copy of seq with each base independently replaced by
// a random different base with probability rate.
func (r *RNG) Mutate(seq []byte, rate float64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, len(seq))
	copy(out, seq)
	for i := range out {
		if r.rand.Float64() >= rate {
			continue
		}
		b := bases[r.rand.Intn(len(bases))]
		for b == out[i] {
			b = bases[r.rand.Intn(len(bases))]
		}
		out[i] = b
	}
	return out
}

// Subsequence returns the length-n window of seq starting at off,
// clamped to the sequence bounds.
func Subsequence(seq []byte, off, n int) []byte {
	if off < 0 {
		off = 0
	}
	if off > len(seq) {
		off = len(seq)
	}
	end := off + n
	if end > len(seq) {
		end = len(seq)
	}
	return seq[off:end]
}
