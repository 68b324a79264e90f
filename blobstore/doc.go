// Package blobstore abstracts where index snapshots live.
//
// A snapshot export streams one immutable blob into a BlobStore; an
// import streams it back. Implementations must be safe for concurrent
// use.
//
//   - LocalStore: local filesystem, mmap-backed reads
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with multipart streaming uploads
//   - minio.Store: MinIO and other S3-compatible object stores
package blobstore
