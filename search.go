// This file implements a fluent search API for querying an Index.
package bitsi

import (
	"context"
	"time"
)

// SearchResult is one matching sample, resolved to its registered id.
type SearchResult struct {
	SampleID string `json:"sample_id"`
	// Rank is the sample's column offset in the index.
	Rank uint32 `json:"rank"`
	// Score is the fraction of the query's distinct k-mers found in the
	// sample, in [0, 1].
	Score float64 `json:"score"`
	// Hits is the number of query k-mers found.
	Hits int `json:"hits"`
	// KmerCount is the number of distinct k-mers in the query.
	KmerCount int `json:"kmer_count"`
}

// Search creates a fluent search builder for the given query sequence.
//
// Example:
//
//	results, err := idx.Search(seq).
//	    Threshold(0.9).
//	    Limit(10).
//	    Execute(ctx)
func (idx *Index) Search(seq []byte) *SearchBuilder {
	return &SearchBuilder{
		idx:       idx,
		seq:       seq,
		threshold: DefaultThreshold,
	}
}

// SearchBuilder is a fluent builder for constructing search queries.
type SearchBuilder struct {
	idx       *Index
	seq       []byte
	threshold float64
	limit     int
}

// Threshold sets the minimum hit fraction, in [0, 1]. Values outside
// the range fail at Execute time. Default 1.0 (exact containment).
func (b *SearchBuilder) Threshold(t float64) *SearchBuilder {
	b.threshold = t
	return b
}

// Limit caps the number of results. Zero means unlimited.
func (b *SearchBuilder) Limit(n int) *SearchBuilder {
	b.limit = n
	return b
}

// Execute runs the search and returns matches ordered by descending
// score, ties broken by ascending rank.
//
// A query shorter than k has no k-mers and matches nothing. The search
// runs against the version sealed at entry; a concurrent insert does
// not change the result.
func (b *SearchBuilder) Execute(ctx context.Context) ([]SearchResult, error) {
	start := time.Now()
	results, kmers, err := b.execute(ctx)
	b.idx.metrics.RecordSearch(kmers, time.Since(start), err)
	b.idx.logger.LogSearch(ctx, kmers, len(results), err)
	return results, err
}

func (b *SearchBuilder) execute(ctx context.Context) ([]SearchResult, int, error) {
	raw, err := b.idx.engine.Search(ctx, b.seq, b.threshold)
	if err != nil {
		return nil, 0, translateError(err)
	}

	// Metrics and logs report the query's k-mer count even when nothing
	// matched; the result set cannot supply it then. The sequence is
	// already validated at this point.
	kmers := 0
	if len(raw) > 0 {
		kmers = raw[0].KmerCount
	} else if n, cerr := b.idx.enc.CountDistinct(b.seq); cerr == nil {
		kmers = n
	}
	if len(raw) == 0 {
		return nil, kmers, nil
	}

	if b.limit > 0 && len(raw) > b.limit {
		raw = raw[:b.limit]
	}

	// Snapshot the registry once; the ranks in raw all predate any
	// insert that could have run since the engine pinned its version.
	man := b.idx.Info()

	results := make([]SearchResult, len(raw))
	for i, r := range raw {
		id := ""
		if int(r.Rank) < len(man.Samples) {
			id = man.Samples[r.Rank].ID
		}
		results[i] = SearchResult{
			SampleID:  id,
			Rank:      r.Rank,
			Score:     r.Score,
			Hits:      r.Hits,
			KmerCount: r.KmerCount,
		}
	}
	return results, kmers, nil
}
