// Package s3 provides an Amazon S3 implementation of
// blobstore.BlobStore, used to park index snapshots in object storage.
//
// # Usage
//
//	client := s3.NewFromConfig(cfg)
//	store := s3blob.NewStore(client, "my-bucket", "snapshots/")
//
//	err := snapshot.Export(ctx, idx, store, "corpus-2026-08")
//
// Uploads stream through the SDK's multipart manager; a failed export
// never leaves a readable object behind.
package s3
