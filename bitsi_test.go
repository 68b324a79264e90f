package bitsi

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bitsi/blobstore"
	"github.com/hupe1980/bitsi/kmer"
	"github.com/hupe1980/bitsi/slicestore"
	"github.com/hupe1980/bitsi/snapshot"
	"github.com/hupe1980/bitsi/testutil"
)

// restoreForTest replays a snapshot into a fresh memory store and opens
// the resulting index.
func restoreForTest(ctx context.Context, bs blobstore.BlobStore, name, dir string) (*Index, error) {
	store := slicestore.NewMemory()
	if _, err := snapshot.Restore(ctx, bs, name, dir, store); err != nil {
		return nil, err
	}
	return Open(ctx, dir, WithStore(store))
}

func newTestIndex(t *testing.T, k int, m uint64, h int) *Index {
	t.Helper()

	idx, err := Create(context.Background(), t.TempDir(), k, m, h,
		WithStore(slicestore.NewMemory()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCreateOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := Create(ctx, dir, 5, 4096, 3)
	require.NoError(t, err)

	_, err = idx.Insert(ctx, "sample-a", []byte("ACGTACGTAC"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	t.Run("create over existing index fails", func(t *testing.T) {
		_, err := Create(ctx, dir, 5, 4096, 3)
		require.Error(t, err)
	})

	t.Run("reopen restores parameters and registry", func(t *testing.T) {
		idx, err := Open(ctx, dir)
		require.NoError(t, err)
		defer idx.Close()

		man := idx.Info()
		assert.Equal(t, 5, man.K)
		assert.Equal(t, uint64(4096), man.M)
		assert.Equal(t, 3, man.NumHashes)
		assert.Equal(t, uint32(1), man.SampleCount)
		require.Len(t, man.Samples, 1)
		assert.Equal(t, "sample-a", man.Samples[0].ID)

		results, err := idx.SearchSeq(ctx, []byte("ACGTACGTAC"), 1.0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "sample-a", results[0].SampleID)
		assert.Equal(t, 1.0, results[0].Score)
	})

	t.Run("open missing directory fails", func(t *testing.T) {
		_, err := Open(ctx, t.TempDir())
		require.Error(t, err)
	})

	t.Run("invalid parameters fail", func(t *testing.T) {
		_, err := Create(ctx, t.TempDir(), 0, 4096, 3)
		require.Error(t, err)
	})
}

func TestInsertAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, 1<<16, 3)

	rank, err := idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rank)

	t.Run("self query scores 1.0", func(t *testing.T) {
		results, err := idx.SearchSeq(ctx, []byte("ATGCA"), 1.0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "sample-a", results[0].SampleID)
		assert.Equal(t, 1.0, results[0].Score)
	})

	t.Run("absent sequence matches nothing", func(t *testing.T) {
		results, err := idx.SearchSeq(ctx, []byte("TTTT"), 0.5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("query shorter than k matches nothing", func(t *testing.T) {
		results, err := idx.SearchSeq(ctx, []byte("AT"), 1.0)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("invalid sequence", func(t *testing.T) {
		_, err := idx.Insert(ctx, "sample-x", []byte("ATNGC"))
		require.ErrorIs(t, err, ErrEncoding)

		_, err = idx.SearchSeq(ctx, []byte("ATNGC"), 1.0)
		require.ErrorIs(t, err, ErrEncoding)
	})

	t.Run("invalid threshold", func(t *testing.T) {
		_, err := idx.SearchSeq(ctx, []byte("ATGCA"), 1.5)
		require.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestInsertDuplicateSample(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, 1024, 2)

	_, err := idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.NoError(t, err)

	_, err = idx.Insert(ctx, "sample-a", []byte("GGGGG"))
	var dup *ErrDuplicateSample
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "sample-a", dup.SampleID)
	assert.Equal(t, uint32(0), dup.Rank)

	assert.Equal(t, uint32(1), idx.Info().SampleCount, "failed insert must not register")
}

func TestInsertSignatureParameterMismatch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, 1024, 2)

	otherIdx := newTestIndex(t, 3, 2048, 2)
	sig, err := otherIdx.EncodeSignature([]byte("ATGCA"))
	require.NoError(t, err)

	_, err = idx.InsertSignature(ctx, "sample-a", sig)
	var pm *ErrParameterMismatch
	require.ErrorAs(t, err, &pm)
	assert.Equal(t, "m", pm.Field)
	assert.Equal(t, uint64(1024), pm.Expected)
	assert.Equal(t, uint64(2048), pm.Actual)
}

func TestTwoPhaseInsert(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, 1<<16, 2)

	sig, err := idx.EncodeSignature([]byte("ATGCA"))
	require.NoError(t, err)

	rank, err := idx.InsertSignature(ctx, "sample-a", sig)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rank)

	results, err := idx.SearchSeq(ctx, []byte("ATGCA"), 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Score)
}

func TestScoreStableUnderLaterInserts(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 8, 1<<18, 3)

	rng := testutil.NewRNG(4711)
	target := rng.Sequence(200)

	_, err := idx.Insert(ctx, "target", target)
	require.NoError(t, err)

	scoreOf := func() float64 {
		results, err := idx.SearchSeq(ctx, target, 1.0)
		require.NoError(t, err)
		for _, r := range results {
			if r.SampleID == "target" {
				return r.Score
			}
		}
		t.Fatal("target sample missing from results")
		return 0
	}

	require.Equal(t, 1.0, scoreOf())

	for i := 0; i < 10; i++ {
		_, err := idx.Insert(ctx, fmt.Sprintf("noise-%d", i), rng.Sequence(200))
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, scoreOf(), "later inserts must not change an existing sample's score")
}

func TestConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 8, 1<<18, 3)

	const n = 16
	rng := testutil.NewRNG(1234)
	seqs := rng.Sequences(n, 120)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := idx.Insert(ctx, fmt.Sprintf("sample-%02d", i), seqs[i])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	man := idx.Info()
	assert.Equal(t, uint32(n), man.SampleCount)

	// Ranks must be dense and unique.
	seen := make(map[uint32]bool, n)
	for _, s := range man.Samples {
		assert.False(t, seen[s.Rank])
		seen[s.Rank] = true
		assert.Less(t, s.Rank, uint32(n))
	}

	// Every sample must be findable with a perfect score.
	for i := 0; i < n; i++ {
		results, err := idx.SearchSeq(ctx, seqs[i], 1.0)
		require.NoError(t, err)

		id := fmt.Sprintf("sample-%02d", i)
		found := false
		for _, r := range results {
			if r.SampleID == id {
				found = true
				assert.Equal(t, 1.0, r.Score)
			}
		}
		assert.True(t, found, "sample %s not found", id)
	}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 8, 1<<18, 3)

	rng := testutil.NewRNG(99)
	samples := []BuildSample{
		{ID: "sample-a", Sequence: rng.Sequence(100)},
		{ID: "sample-b", Sequence: rng.Sequence(100)},
		{ID: "sample-c", Sequence: rng.Sequence(100)},
	}
	require.NoError(t, idx.Build(ctx, samples))
	assert.Equal(t, uint32(3), idx.Info().SampleCount)

	t.Run("per-sample failures do not stop the load", func(t *testing.T) {
		more := []BuildSample{
			{ID: "sample-a", Sequence: rng.Sequence(100)}, // duplicate
			{ID: "sample-d", Sequence: rng.Sequence(100)},
		}
		err := idx.Build(ctx, more)
		require.Error(t, err)

		var dup *ErrDuplicateSample
		assert.ErrorAs(t, err, &dup)
		assert.Equal(t, uint32(4), idx.Info().SampleCount, "good samples still land")
	})
}

func TestBuildRateLimit(t *testing.T) {
	ctx := context.Background()

	idx, err := Create(ctx, t.TempDir(), 8, 1<<18, 3,
		WithStore(slicestore.NewMemory()),
		WithBuildRateLimit(1000, 1),
	)
	require.NoError(t, err)
	defer idx.Close()

	rng := testutil.NewRNG(7)
	samples := []BuildSample{
		{ID: "sample-a", Sequence: rng.Sequence(64)},
		{ID: "sample-b", Sequence: rng.Sequence(64)},
	}
	require.NoError(t, idx.Build(ctx, samples))
	assert.Equal(t, uint32(2), idx.Info().SampleCount)
}

func TestSearchBuilderLimit(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, 1<<16, 2)

	for i, seq := range []string{"ATGCA", "ATGCAT", "ATGCAC"} {
		_, err := idx.Insert(ctx, fmt.Sprintf("sample-%d", i), []byte(seq))
		require.NoError(t, err)
	}

	results, err := idx.Search([]byte("ATGCA")).
		Threshold(0.5).
		Limit(2).
		Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, 1024, 2)

	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, err := idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.ErrorIs(t, err, ErrIndexClosed)
}

func TestSnapshotRoundtrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, 1<<16, 2)

	_, err := idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.NoError(t, err)
	_, err = idx.Insert(ctx, "sample-b", []byte("GGGGGG"))
	require.NoError(t, err)

	bs := blobstore.NewMemoryStore()
	require.NoError(t, idx.ExportSnapshot(ctx, bs, "snap-001"))

	// Restore into a fresh directory and store, then open it.
	dir := t.TempDir()
	restored, err := restoreForTest(ctx, bs, "snap-001", dir)
	require.NoError(t, err)
	defer restored.Close()

	man := restored.Info()
	assert.Equal(t, uint32(2), man.SampleCount)

	results, err := restored.SearchSeq(ctx, []byte("ATGCA"), 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sample-a", results[0].SampleID)

	results, err = restored.SearchSeq(ctx, []byte("GGGGGG"), 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sample-b", results[0].SampleID)
}

func TestOpenReconcilesCrashedInsert(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := Create(ctx, dir, 3, 1<<16, 2)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	// A crashed insert: slice bits written and sealed, manifest never
	// saved.
	store, err := slicestore.OpenBolt(filepath.Join(dir, sliceDBFileName))
	require.NoError(t, err)
	enc, err := kmer.NewEncoder(3, 1<<16, 2)
	require.NoError(t, err)
	sig, err := enc.Encode([]byte("ATGCA"))
	require.NoError(t, err)
	require.NoError(t, store.AppendSample(ctx, 0, sig.Ones()))
	_, err = store.Seal(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	idx, err = Open(ctx, dir)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, uint32(0), idx.Info().SampleCount)

	// The next insert reuses the orphaned rank. None of the orphan's
	// bits may survive into the new sample's column; an OR of the two
	// signatures would match the orphan's sequence with a full score.
	rank, err := idx.Insert(ctx, "fresh", []byte("GGGGGG"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rank)

	results, err := idx.SearchSeq(ctx, []byte("ATGCA"), 1.0)
	require.NoError(t, err)
	assert.Empty(t, results, "orphaned bits must not leak into the reused rank")

	results, err = idx.SearchSeq(ctx, []byte("GGGGGG"), 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh", results[0].SampleID)
	assert.Equal(t, 1.0, results[0].Score)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := Create(ctx, dir, 3, 1024, 2)
	require.NoError(t, err)
	_, err = idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	require.NoError(t, Destroy(dir))

	_, err = Open(ctx, dir)
	require.Error(t, err)

	t.Run("directory is reusable", func(t *testing.T) {
		idx, err := Create(ctx, dir, 3, 1024, 2)
		require.NoError(t, err)
		defer idx.Close()
		assert.Equal(t, uint32(0), idx.Info().SampleCount)

		results, err := idx.SearchSeq(ctx, []byte("ATGCA"), 0)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("destroy without index fails", func(t *testing.T) {
		require.Error(t, Destroy(t.TempDir()))
	})
}

type searchMetricsRecorder struct {
	NoopMetricsCollector
	kmers []int
}

func (c *searchMetricsRecorder) RecordSearch(kmers int, _ time.Duration, _ error) {
	c.kmers = append(c.kmers, kmers)
}

func TestSearchMetricsKmerCount(t *testing.T) {
	ctx := context.Background()
	metrics := &searchMetricsRecorder{}

	idx, err := Create(ctx, t.TempDir(), 3, 1<<16, 2,
		WithStore(slicestore.NewMemory()),
		WithMetricsCollector(metrics),
	)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.NoError(t, err)

	// An empty result set must not zero the reported k-mer count.
	results, err := idx.SearchSeq(ctx, []byte("TTTCC"), 1.0)
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = idx.SearchSeq(ctx, []byte("ATGCA"), 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.Equal(t, []int{3, 3}, metrics.kmers)
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}

	idx, err := Create(ctx, t.TempDir(), 3, 1<<16, 2,
		WithStore(slicestore.NewMemory()),
		WithMetricsCollector(metrics),
	)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.NoError(t, err)
	_, err = idx.Insert(ctx, "sample-a", []byte("ATGCA"))
	require.Error(t, err)

	_, err = idx.SearchSeq(ctx, []byte("ATGCA"), 1.0)
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.InsertCount)
	assert.Equal(t, int64(1), stats.InsertErrors)
	assert.Equal(t, int64(1), stats.SearchCount)
	assert.Equal(t, int64(0), stats.SearchErrors)
}
