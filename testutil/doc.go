// Package testutil provides testing utilities.
//
// This package is intended for use in tests and benchmarks only. It
// provides seeded, reproducible generation of nucleotide sequences and
// simple mutation helpers for building query fixtures.
//
//	rng := testutil.NewRNG(seed)
//	seq := rng.Sequence(1000)            // random ACGT sequence
//	sub := testutil.Subsequence(seq, 100, 64)
//	mut := rng.Mutate(seq, 0.05)         // 5% point mutations
package testutil
