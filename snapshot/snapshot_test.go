package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bitsi/blobstore"
	"github.com/hupe1980/bitsi/kmer"
	"github.com/hupe1980/bitsi/manifest"
	"github.com/hupe1980/bitsi/slicestore"
)

func buildFixture(t *testing.T) (*manifest.Manifest, *slicestore.Memory) {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	man := &manifest.Manifest{
		FormatVersion: manifest.CurrentFormatVersion,
		K:             3,
		M:             1024,
		NumHashes:     2,
		HashFunc:      kmer.HashFuncID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	store := slicestore.NewMemory()

	require.NoError(t, store.AppendSample(ctx, 0, []uint64{1, 7, 500}))
	man.AddSample("sample-a")
	_, err := store.Seal(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, store.AppendSample(ctx, 1, []uint64{7, 9, 1023}))
	man.AddSample("sample-b")
	_, err = store.Seal(ctx, 2)
	require.NoError(t, err)

	return man, store
}

func TestExportRestore(t *testing.T) {
	ctx := context.Background()
	man, store := buildFixture(t)

	bs := blobstore.NewMemoryStore()
	require.NoError(t, Export(ctx, bs, "snap", man, store))

	restored := slicestore.NewMemory()
	got, err := Restore(ctx, bs, "snap", t.TempDir(), restored)
	require.NoError(t, err)

	require.Equal(t, man.K, got.K)
	require.Equal(t, man.M, got.M)
	require.Equal(t, man.NumHashes, got.NumHashes)
	require.Equal(t, uint32(2), got.SampleCount)
	require.Len(t, got.Samples, 2)
	require.Equal(t, "sample-a", got.Samples[0].ID)

	v := restored.Current()
	require.Equal(t, uint32(2), v.SampleCount)

	for _, p := range []uint64{1, 7, 9, 500, 1023} {
		want, err := store.GetSlice(ctx, store.Current(), p)
		require.NoError(t, err)
		have, err := restored.GetSlice(ctx, v, p)
		require.NoError(t, err)
		require.Equal(t, want, have, "slice at position %d", p)
	}
}

func TestReadManifest(t *testing.T) {
	ctx := context.Background()
	man, store := buildFixture(t)

	bs := blobstore.NewMemoryStore()
	require.NoError(t, Export(ctx, bs, "snap", man, store))

	got, err := ReadManifest(ctx, bs, "snap")
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.SampleCount)
	require.Equal(t, man.HashFunc, got.HashFunc)
}

func TestExportLeavesNothingOnFailure(t *testing.T) {
	man, store := buildFixture(t)
	bs := blobstore.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, Export(ctx, bs, "snap", man, store))

	// The aborted write must not publish a partial snapshot.
	_, err := ReadManifest(context.Background(), bs, "snap")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()

	w, err := bs.Create(ctx, "junk")
	require.NoError(t, err)
	_, err = w.Write([]byte("this is not a snapshot"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Restore(ctx, bs, "junk", t.TempDir(), slicestore.NewMemory())
	require.ErrorIs(t, err, ErrBadSnapshot)
}

func TestRestoreMissingBlob(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()

	_, err := Restore(ctx, bs, "nope", t.TempDir(), slicestore.NewMemory())
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
