// Package query implements the read path of the index: decompose a
// query sequence into k-mer bit positions, fetch the matching
// bit-slices, and turn the surviving columns into ranked sample scores.
package query

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bitsi/kmer"
	"github.com/hupe1980/bitsi/slicestore"
)

// DefaultFetchWorkers bounds the slice-fetch fan-out per query.
const DefaultFetchWorkers = 8

// InvalidQueryError indicates a malformed query, currently a threshold
// outside [0, 1].
type InvalidQueryError struct {
	Threshold float64
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("threshold %v outside [0, 1]", e.Threshold)
}

// StorageError wraps a slice-store failure observed during a query. The
// query aborts; no partial results are returned.
type StorageError struct {
	Position uint64
	cause    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("slice fetch at position %d failed: %v", e.Position, e.cause)
}

func (e *StorageError) Unwrap() error { return e.cause }

// SliceReader is the read-side store contract the engine needs.
type SliceReader interface {
	GetSlice(ctx context.Context, v slicestore.Version, p uint64) ([]byte, error)
	Current() slicestore.Version
}

// Engine executes searches against a sealed slice store. It is stateless
// between queries and safe for unbounded concurrent use.
type Engine struct {
	store   SliceReader
	enc     *kmer.Encoder
	workers int
}

// Option configures an Engine.
type Option func(*Engine)

// WithFetchWorkers sets the parallel slice-fetch limit per query.
func WithFetchWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine creates a query engine over the given store and encoder.
func NewEngine(store SliceReader, enc *kmer.Encoder, optFns ...Option) *Engine {
	e := &Engine{
		store:   store,
		enc:     enc,
		workers: DefaultFetchWorkers,
	}
	for _, fn := range optFns {
		fn(e)
	}
	return e
}

// Result is one matching sample column.
type Result struct {
	// Rank is the sample's column offset; the caller resolves it to a
	// sample id through the manifest.
	Rank uint32 `json:"rank"`
	// Score is the fraction of the query's distinct k-mers whose h
	// positions are all set in this sample's column.
	Score float64 `json:"score"`
	// Hits is the number of surviving k-mers.
	Hits int `json:"hits"`
	// KmerCount is the number of distinct k-mers in the query.
	KmerCount int `json:"kmer_count"`
}

// Search scores every sample against the query sequence and returns the
// samples whose hit fraction reaches threshold, ordered by descending
// score with ties broken by ascending rank.
//
// A query shorter than k (zero k-mers) returns an empty result; the
// vacuous hit fraction is never reported. The version is pinned once at
// entry, so inserts committing mid-query are invisible.
func (e *Engine) Search(ctx context.Context, seq []byte, threshold float64) ([]Result, error) {
	if threshold < 0 || threshold > 1 {
		return nil, &InvalidQueryError{Threshold: threshold}
	}

	v := e.store.Current()
	return e.SearchAt(ctx, v, seq, threshold)
}

// SearchAt is Search pinned to an explicit version.
func (e *Engine) SearchAt(ctx context.Context, v slicestore.Version, seq []byte, threshold float64) ([]Result, error) {
	if threshold < 0 || threshold > 1 {
		return nil, &InvalidQueryError{Threshold: threshold}
	}

	posSets, err := e.enc.PositionSets(seq)
	if err != nil {
		return nil, err
	}
	if len(posSets) == 0 || v.SampleCount == 0 {
		return nil, nil
	}

	columns, err := e.fetchColumns(ctx, v, posSets)
	if err != nil {
		return nil, err
	}

	counts := e.scoreKmers(posSets, columns)
	return rankResults(counts, len(posSets), threshold), nil
}

// fetchColumns retrieves every distinct touched bit-slice in parallel
// and materializes each as a roaring bitmap over sample ranks.
func (e *Engine) fetchColumns(ctx context.Context, v slicestore.Version, posSets [][]uint64) (map[uint64]*roaring.Bitmap, error) {
	distinct := make([]uint64, 0, len(posSets)*len(posSets[0]))
	seen := make(map[uint64]struct{})
	for _, set := range posSets {
		for _, p := range set {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			distinct = append(distinct, p)
		}
	}

	fetched := make([]*roaring.Bitmap, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, p := range distinct {
		g.Go(func() error {
			// Cooperative cancellation point: nothing is mutated, so
			// abandoning a query mid-flight is always safe.
			if err := gctx.Err(); err != nil {
				return err
			}
			bits, err := e.store.GetSlice(gctx, v, p)
			if err != nil {
				return &StorageError{Position: p, cause: err}
			}
			fetched[i] = bitmapFromPacked(bits)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	columns := make(map[uint64]*roaring.Bitmap, len(distinct))
	for i, p := range distinct {
		columns[p] = fetched[i]
	}
	return columns, nil
}

// scoreKmers computes, per sample rank, how many k-mers survive the AND
// of their OWN h slices. One global AND over all touched slices would
// conflate Bloom collisions across unrelated k-mers into false
// confidence; the intersection has to happen per k-mer, with the counts
// accumulated afterwards.
func (e *Engine) scoreKmers(posSets [][]uint64, columns map[uint64]*roaring.Bitmap) map[uint32]int {
	counts := make(map[uint32]int)
	for _, set := range posSets {
		acc := columns[set[0]].Clone()
		for _, p := range set[1:] {
			if acc.IsEmpty() {
				break
			}
			acc.And(columns[p])
		}
		it := acc.Iterator()
		for it.HasNext() {
			counts[it.Next()]++
		}
	}
	return counts
}

func rankResults(counts map[uint32]int, kmerCount int, threshold float64) []Result {
	results := make([]Result, 0, len(counts))
	for rank, hits := range counts {
		score := float64(hits) / float64(kmerCount)
		if score >= threshold {
			results = append(results, Result{
				Rank:      rank,
				Score:     score,
				Hits:      hits,
				KmerCount: kmerCount,
			})
		}
	}
	sortResults(results)
	return results
}

// bitmapFromPacked converts a packed little-endian slice into a roaring
// bitmap keyed by sample rank.
func bitmapFromPacked(bits []byte) *roaring.Bitmap {
	words := make([]uint64, (len(bits)+7)/8)
	var tail [8]byte
	for i := 0; i < len(words); i++ {
		off := i * 8
		if off+8 <= len(bits) {
			words[i] = binary.LittleEndian.Uint64(bits[off : off+8])
			continue
		}
		copy(tail[:], bits[off:])
		words[i] = binary.LittleEndian.Uint64(tail[:])
		tail = [8]byte{}
	}
	return roaring.FromDense(words, false)
}
