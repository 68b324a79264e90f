package bitsi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/bitsi/blobstore"
	"github.com/hupe1980/bitsi/kmer"
	"github.com/hupe1980/bitsi/manifest"
	"github.com/hupe1980/bitsi/query"
	"github.com/hupe1980/bitsi/slicestore"
	"github.com/hupe1980/bitsi/snapshot"
)

// Index parameter defaults, chosen for bacterial-scale genome corpora at
// k-mer length 31.
const (
	DefaultK         = 31
	DefaultM         = 25_000_000
	DefaultNumHashes = 3

	// DefaultThreshold reports exact containment only: every distinct
	// query k-mer must survive.
	DefaultThreshold = 1.0

	sliceDBFileName = "slices.db"
)

// Index is a bit-sliced signature index over genomic samples.
//
// Writes (Insert, Build) follow single-writer discipline and are
// serialized internally; calling them from multiple goroutines is safe
// but they execute one at a time. Searches run lock-free against the
// last sealed version and are safe for unbounded concurrent use,
// including concurrently with an in-flight insert.
type Index struct {
	mu     sync.Mutex // guards man, ranks, closed and the insert/seal/save sequence
	closed bool

	man      *manifest.Manifest
	manStore *manifest.Store
	ranks    map[string]uint32

	store  slicestore.Store
	enc    *kmer.Encoder
	engine *query.Engine

	buildLimiter rateLimiter
	metrics      MetricsCollector
	logger       *Logger
}

// rateLimiter is the throttle contract Build uses; satisfied by
// *rate.Limiter and nil-able behind an interface check.
type rateLimiter interface {
	Wait(ctx context.Context) error
}

// Create initializes a new index in dir with the given parameters and
// returns it opened. The parameters are fixed for the index's lifetime;
// every later insert and query uses them. Creating over an existing
// index fails.
func Create(ctx context.Context, dir string, k int, m uint64, h int, optFns ...Option) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	ms := manifest.NewStore(dir)
	if ms.Exists() {
		return nil, fmt.Errorf("index already exists in %s", dir)
	}

	enc, err := kmer.NewEncoder(k, m, h)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	man := &manifest.Manifest{
		K:         k,
		M:         m,
		NumHashes: h,
		HashFunc:  kmer.HashFuncID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ms.Save(man); err != nil {
		return nil, err
	}

	return newIndex(ctx, dir, man, ms, enc, applyOptions(optFns))
}

// Open opens an existing index in dir. The parameters come from the
// persisted manifest; a manifest with an unknown format version or hash
// scheme is rejected rather than reinterpreted.
func Open(ctx context.Context, dir string, optFns ...Option) (*Index, error) {
	ms := manifest.NewStore(dir)
	man, err := ms.Load()
	if err != nil {
		return nil, translateError(err)
	}
	if man.HashFunc != kmer.HashFuncID {
		return nil, fmt.Errorf("%w: unknown hash function %q", ErrUnsupportedFormat, man.HashFunc)
	}

	enc, err := kmer.NewEncoder(man.K, man.M, man.NumHashes)
	if err != nil {
		return nil, err
	}

	return newIndex(ctx, dir, man, ms, enc, applyOptions(optFns))
}

func newIndex(ctx context.Context, dir string, man *manifest.Manifest, ms *manifest.Store, enc *kmer.Encoder, o options) (*Index, error) {
	store := o.store
	if store == nil {
		var err error
		store, err = slicestore.OpenBolt(filepath.Join(dir, sliceDBFileName))
		if err != nil {
			return nil, err
		}
	}

	// The manifest is saved last on insert, so after a crash the store
	// may hold bits the manifest never registered. The manifest wins:
	// truncate back to its count so the orphaned bits are gone before
	// the next insert reuses their ranks.
	if cur := store.Current(); cur.SampleCount != man.SampleCount {
		if _, err := slicestore.Truncate(ctx, store, man.SampleCount); err != nil {
			store.Close()
			return nil, translateError(err)
		}
	}

	ranks := make(map[string]uint32, len(man.Samples))
	for _, s := range man.Samples {
		ranks[s.ID] = s.Rank
	}

	var engineOpts []query.Option
	if o.fetchWorkers > 0 {
		engineOpts = append(engineOpts, query.WithFetchWorkers(o.fetchWorkers))
	}

	idx := &Index{
		man:      man,
		manStore: ms,
		ranks:    ranks,
		store:    store,
		enc:      enc,
		engine:   query.NewEngine(store, enc, engineOpts...),
		metrics:  o.metricsCollector,
		logger:   o.logger,
	}
	if o.buildLimiter != nil {
		idx.buildLimiter = o.buildLimiter
	}
	return idx, nil
}

// EncodeSignature builds the signature of seq with the index's
// parameters without touching the store. The result can be persisted
// (Signature.WriteTo) and folded in later with InsertSignature, the
// two-phase flow used when signature construction and index writes run
// on different machines.
func (idx *Index) EncodeSignature(seq []byte) (*kmer.Signature, error) {
	sig, err := idx.enc.Encode(seq)
	if err != nil {
		return nil, translateError(err)
	}
	return sig, nil
}

// Insert encodes seq and registers it under sampleID, returning the
// sample's rank. The sample becomes visible to searches only once the
// insert returns; searches already running keep their pinned version.
func (idx *Index) Insert(ctx context.Context, sampleID string, seq []byte) (uint32, error) {
	start := time.Now()

	sig, err := idx.enc.Encode(seq)
	if err != nil {
		err = translateError(err)
		idx.metrics.RecordInsert(time.Since(start), err)
		idx.logger.LogInsert(ctx, sampleID, 0, 0, err)
		return 0, err
	}

	rank, err := idx.insertSignature(ctx, sampleID, sig)
	idx.metrics.RecordInsert(time.Since(start), err)
	idx.logger.LogInsert(ctx, sampleID, rank, sig.Count(), err)
	return rank, err
}

// InsertSignature registers a prebuilt signature under sampleID. The
// signature's width must equal the index's m.
func (idx *Index) InsertSignature(ctx context.Context, sampleID string, sig *kmer.Signature) (uint32, error) {
	start := time.Now()
	rank, err := idx.insertSignature(ctx, sampleID, sig)
	idx.metrics.RecordInsert(time.Since(start), err)
	idx.logger.LogInsert(ctx, sampleID, rank, sig.Count(), err)
	return rank, err
}

func (idx *Index) insertSignature(ctx context.Context, sampleID string, sig *kmer.Signature) (uint32, error) {
	if sig.Len() != idx.enc.M() {
		return 0, &ErrParameterMismatch{Field: "m", Expected: idx.enc.M(), Actual: sig.Len()}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return 0, ErrIndexClosed
	}
	if rank, ok := idx.ranks[sampleID]; ok {
		return 0, &ErrDuplicateSample{SampleID: sampleID, Rank: rank}
	}

	rank := idx.man.SampleCount

	// Durability order: slice bits first, then the seal that makes them
	// readable, then the manifest that names the sample. A crash between
	// any two steps leaves bits that no sealed version references.
	if err := idx.store.AppendSample(ctx, rank, sig.Ones()); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	v, err := idx.store.Seal(ctx, rank+1)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	idx.man.AddSample(sampleID)
	if err := idx.manStore.Save(idx.man); err != nil {
		// The sample is sealed and queryable; only the on-disk registry
		// is stale. The next successful save writes the full registry.
		idx.ranks[sampleID] = rank
		return rank, fmt.Errorf("manifest save after seal: %w", err)
	}
	idx.ranks[sampleID] = rank

	idx.logger.LogSeal(ctx, v.String(), v.SampleCount)
	return rank, nil
}

// BuildSample is one corpus entry for Build.
type BuildSample struct {
	ID       string
	Sequence []byte
}

// Build bulk-loads samples in order. Per-sample failures do not stop
// the load; all errors are joined and returned after the last sample.
// A rate limit configured with WithBuildRateLimit paces the loop so a
// corpus load does not starve concurrent searches.
func (idx *Index) Build(ctx context.Context, samples []BuildSample) error {
	start := time.Now()

	var errs []error
	for _, s := range samples {
		if idx.buildLimiter != nil {
			if err := idx.buildLimiter.Wait(ctx); err != nil {
				errs = append(errs, err)
				break
			}
		} else if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if _, err := idx.Insert(ctx, s.ID, s.Sequence); err != nil {
			errs = append(errs, fmt.Errorf("sample %q: %w", s.ID, err))
		}
	}

	err := errors.Join(errs...)
	idx.metrics.RecordBuild(len(samples), len(errs), time.Since(start))
	idx.logger.LogBuild(ctx, len(samples), err)
	return err
}

// SearchSeq scores every sample against seq and returns those whose hit
// fraction reaches threshold, best first. See Search for the builder
// form with more knobs.
func (idx *Index) SearchSeq(ctx context.Context, seq []byte, threshold float64) ([]SearchResult, error) {
	return idx.Search(seq).Threshold(threshold).Execute(ctx)
}

// ExportSnapshot streams the index's current sealed state into the
// blob store under name. Inserts running concurrently are not captured;
// the snapshot reflects the manifest at the time of the call.
func (idx *Index) ExportSnapshot(ctx context.Context, bs blobstore.BlobStore, name string) error {
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return ErrIndexClosed
	}
	man := idx.man.Clone()
	idx.mu.Unlock()

	return snapshot.Export(ctx, bs, name, man, idx.store)
}

// Info returns a copy of the index manifest: parameters, sample count
// and the ordered sample registry.
func (idx *Index) Info() *manifest.Manifest {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.man.Clone()
}

// Version returns the latest sealed store version.
func (idx *Index) Version() slicestore.Version {
	return idx.store.Current()
}

// Destroy deletes the index in dir: every manifest generation, the
// CURRENT pointer and the local slice database. The directory itself is
// kept and can host a fresh Create. Slices held in a remote store
// (DynamoDB) are not touched. Destroying a directory that holds no
// index is an error.
func Destroy(dir string) error {
	ms := manifest.NewStore(dir)
	if !ms.Exists() {
		return fmt.Errorf("no index in %s", dir)
	}
	if err := ms.Remove(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, sliceDBFileName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close releases the underlying store. In-flight searches against an
// already-fetched version finish; new operations fail.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	return idx.store.Close()
}
