// Package snapshot moves whole indexes in and out of blob storage.
//
// An export walks every bit-slice of a sealed index in position order
// and streams it, zstd-compressed, into a single immutable blob
// together with the manifest. A restore replays the stream into a fresh
// slice store and re-seals it, reproducing the exported state exactly.
package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/bitsi/blobstore"
	"github.com/hupe1980/bitsi/manifest"
	"github.com/hupe1980/bitsi/slicestore"
)

// FormatVersion is the snapshot stream format this build reads and
// writes.
const FormatVersion = 1

const (
	snapshotMagic = uint32(0x504E5342) // "BSNP"

	// headerLen is the fixed preamble before the manifest JSON:
	// magic(4) + format version(2) + manifest length(4).
	headerLen = 10

	// recordLen is the per-slice record header inside the compressed
	// stream: position(8) + bits length(4).
	recordLen = 12
)

// ErrBadSnapshot is returned when a snapshot stream is malformed.
var ErrBadSnapshot = errors.New("snapshot: malformed snapshot data")

// ErrUnsupportedVersion is returned for a snapshot written by an
// incompatible format.
type ErrUnsupportedVersion struct {
	Version int
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("snapshot: unsupported format version %d (expected %d)", e.Version, FormatVersion)
}

// Export streams the index state described by man out of store and into
// the blob store under name. Slices are trimmed to the manifest's
// sample count, so an insert running concurrently with the export is
// not captured.
func Export(ctx context.Context, bs blobstore.BlobStore, name string, man *manifest.Manifest, store slicestore.Store) error {
	w, err := bs.Create(ctx, name)
	if err != nil {
		return err
	}

	if err := export(ctx, w, man, store); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

func export(ctx context.Context, w io.Writer, man *manifest.Manifest, store slicestore.Store) error {
	man = man.Clone()
	man.FormatVersion = manifest.CurrentFormatVersion

	manData, err := json.Marshal(man)
	if err != nil {
		return err
	}

	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], snapshotMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], FormatVersion)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(len(manData)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(manData); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	// The export is pinned to the manifest's count, not the store's
	// current version, so the slices and the sample registry in one
	// snapshot always agree.
	v := slicestore.Version{SampleCount: man.SampleCount}
	var rec [recordLen]byte
	err = store.Scan(ctx, v, func(p uint64, bits []byte) error {
		binary.LittleEndian.PutUint64(rec[0:8], p)
		binary.LittleEndian.PutUint32(rec[8:12], uint32(len(bits)))
		if _, err := zw.Write(rec[:]); err != nil {
			return err
		}
		_, err := zw.Write(bits)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadManifest reads only the manifest embedded in a snapshot, without
// decompressing the slice stream.
func ReadManifest(ctx context.Context, bs blobstore.BlobStore, name string) (*manifest.Manifest, error) {
	b, err := bs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	man, _, err := readHeader(blobstore.Reader(b))
	return man, err
}

// Restore replays the snapshot into store and persists the manifest in
// dir, following the usual durability order: slices first, then seal,
// then manifest. The target store must be empty.
func Restore(ctx context.Context, bs blobstore.BlobStore, name string, dir string, store slicestore.Store) (*manifest.Manifest, error) {
	b, err := bs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	r := blobstore.Reader(b)
	man, _, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	defer zr.Close()

	var rec [recordLen]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(zr, rec[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		p := binary.LittleEndian.Uint64(rec[0:8])
		n := binary.LittleEndian.Uint32(rec[8:12])
		if int(n) > slicestore.SliceBytes(man.SampleCount) {
			return nil, fmt.Errorf("%w: slice at position %d longer than sample count allows", ErrBadSnapshot, p)
		}
		bits := make([]byte, n)
		if _, err := io.ReadFull(zr, bits); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		if err := store.PutSlice(ctx, p, bits); err != nil {
			return nil, err
		}
	}

	if _, err := store.Seal(ctx, man.SampleCount); err != nil {
		return nil, err
	}
	if err := manifest.NewStore(dir).Save(man); err != nil {
		return nil, err
	}
	return man, nil
}

func readHeader(r io.Reader) (*manifest.Manifest, int, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != snapshotMagic {
		return nil, 0, ErrBadSnapshot
	}
	version := int(binary.LittleEndian.Uint16(hdr[4:6]))
	if version != FormatVersion {
		return nil, 0, &ErrUnsupportedVersion{Version: version}
	}

	manLen := binary.LittleEndian.Uint32(hdr[6:10])
	manData := make([]byte, manLen)
	if _, err := io.ReadFull(r, manData); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	var man manifest.Manifest
	dec := json.NewDecoder(bytes.NewReader(manData))
	if err := dec.Decode(&man); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if man.FormatVersion != manifest.CurrentFormatVersion {
		return nil, 0, &manifest.ErrUnsupportedFormat{Version: man.FormatVersion}
	}
	return &man, version, nil
}
