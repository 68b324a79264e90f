package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound);
// the default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// BlobStore reads and writes immutable named blobs.
type BlobStore interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create starts a streaming write. The blob becomes visible under
	// its name only once Close returns nil; a failed or abandoned write
	// never leaves a partial blob readable.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the blob length in bytes.
	Size() int64
}

// WritableBlob is a streaming write handle. Close commits the blob;
// Abort discards it.
type WritableBlob interface {
	io.WriteCloser

	// Abort abandons the write and leaves the name unused, as if Create
	// had never been called. Abort after a successful Close is a no-op.
	Abort() error
}

// Reader adapts a Blob into a sequential reader over its full length.
func Reader(b Blob) io.Reader {
	return io.NewSectionReader(b, 0, b.Size())
}
