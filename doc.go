// Package bitsi provides an embedded bit-sliced signature index for
// genomic sequence search.
//
// Every inserted sample is reduced to a Bloom-filter signature over its
// k-mers and stored column-major: for each bit position the index keeps
// one bit-slice whose bit i belongs to sample rank i. A search
// decomposes the query into k-mers, fetches the handful of slices those
// k-mers touch, intersects them per k-mer and scores each sample by the
// fraction of query k-mers it contains.
//
// # Quick Start
//
//	ctx := context.Background()
//	idx, _ := bitsi.Create(ctx, "./data", bitsi.DefaultK, bitsi.DefaultM, bitsi.DefaultNumHashes)
//	idx, _ = bitsi.Open(ctx, "./data") // re-open existing
//
//	rank, _ := idx.Insert(ctx, "sample-1", []byte("ACGT..."))
//
//	results, _ := idx.Search(querySeq).
//	    Threshold(0.9).
//	    Limit(10).
//	    Execute(ctx)
//	for _, r := range results {
//	    fmt.Println(r.SampleID, r.Score)
//	}
//
// # Two-phase ingestion
//
// Signature construction and index writes can run on different
// machines: EncodeSignature builds a signature without touching the
// store, Signature.WriteTo/ReadSignature move it, and InsertSignature
// folds it in.
//
//	sig, _ := idx.EncodeSignature(seq)
//	sig.WriteTo(f)
//	...
//	sig, _ = kmer.ReadSignature(f)
//	rank, _ := idx.InsertSignature(ctx, "sample-2", sig)
//
// # Durability Model
//
// Inserts are sealed one sample at a time: slice bits are committed
// first, then a version seal makes them readable, then the manifest
// registers the sample id. Searches pin the sealed version at entry, so
// a concurrent insert is invisible to a running query and a crash never
// exposes a half-written sample.
//
// # Storage Backends
//
// The slice matrix lives in an embedded bolt file by default. Pass
// WithStore to keep it in memory (tests) or in DynamoDB (shared,
// off-host). Sealed indexes can be exported to and restored from a
// blob store (local disk, S3, MinIO) via the snapshot package.
package bitsi
