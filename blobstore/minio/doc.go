// Package minio provides a blobstore.BlobStore implementation using the
// MinIO client, for parking index snapshots on MinIO or any other
// S3-compatible object store (Ceph, Garage, SeaweedFS).
//
// # Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "my-bucket", "snapshots/")
//	err = snapshot.Export(ctx, idx, store, "corpus-2026-08")
package minio
