package slicestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSlices = []byte("slices")
	bucketMeta   = []byte("meta")
	keyVersion   = []byte("version")
)

// Bolt is the primary Store backend: an embedded, ordered, transactional
// key-value file. One insert is one read-modify-write transaction
// covering all touched slices, so slice bits commit atomically as a
// unit; cursors give ordered range scans over positions.
type Bolt struct {
	db *bolt.DB

	mu      sync.RWMutex
	current Version
	closed  bool
}

// OpenBolt opens (or creates) a bolt-backed slice store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("slicestore: open bolt: %w", err)
	}

	s := &Bolt{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSlices); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if raw := meta.Get(keyVersion); raw != nil {
			v, err := decodeVersion(raw)
			if err != nil {
				return err
			}
			s.current = v
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("slicestore: init bolt: %w", err)
	}
	return s, nil
}

// GetSlice implements Store.
func (s *Bolt) GetSlice(ctx context.Context, v Version, p uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	var bits []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketSlices).Get(Key(p))
		if value == nil {
			return nil
		}
		raw, err := DecodeValue(value)
		if err != nil {
			return err
		}
		bits = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return TrimSlice(bits, v.SampleCount), nil
}

// AppendSample implements Store. All touched slices commit in a single
// transaction.
func (s *Bolt) AppendSample(ctx context.Context, rank uint32, positions []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		slices := tx.Bucket(bucketSlices)
		for _, p := range positions {
			key := Key(p)
			var raw []byte
			if value := slices.Get(key); value != nil {
				decoded, err := DecodeValue(value)
				if err != nil {
					return err
				}
				raw = decoded
			}
			raw = SetBit(raw, rank)
			if err := slices.Put(key, EncodeValue(raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutSlice implements Store.
func (s *Bolt) PutSlice(ctx context.Context, p uint64, bits []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlices).Put(Key(p), EncodeValue(bits))
	})
}

// Seal implements Store.
func (s *Bolt) Seal(ctx context.Context, sampleCount uint32) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Version{}, ErrClosed
	}

	next := Version{Seq: s.current.Seq + 1, SampleCount: sampleCount}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVersion, encodeVersion(next))
	})
	if err != nil {
		return Version{}, err
	}
	s.current = next
	return next, nil
}

// Current implements Store.
func (s *Bolt) Current() Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Scan implements Store, walking slices in key (= position) order.
func (s *Bolt) Scan(ctx context.Context, v Version, fn func(p uint64, bits []byte) error) error {
	if s.isClosed() {
		return ErrClosed
	}

	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSlices).Cursor()
		for key, value := c.First(); key != nil; key, value = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := ParseKey(key)
			if err != nil {
				return err
			}
			raw, err := DecodeValue(value)
			if err != nil {
				return err
			}
			if err := fn(p, TrimSlice(raw, v.SampleCount)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Store.
func (s *Bolt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Bolt) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func encodeVersion(v Version) []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint64(out[0:8], v.Seq)
	binary.LittleEndian.PutUint32(out[8:12], v.SampleCount)
	return out
}

func decodeVersion(raw []byte) (Version, error) {
	if len(raw) != 12 {
		return Version{}, fmt.Errorf("slicestore: bad version record length %d", len(raw))
	}
	return Version{
		Seq:         binary.LittleEndian.Uint64(raw[0:8]),
		SampleCount: binary.LittleEndian.Uint32(raw[8:12]),
	}, nil
}
