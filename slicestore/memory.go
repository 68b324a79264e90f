package slicestore

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Store for tests and ephemeral indexes. It
// mirrors the Bolt backend's semantics, including version pinning.
type Memory struct {
	mu      sync.RWMutex
	slices  map[uint64][]byte
	current Version
	closed  bool
}

// NewMemory creates an empty in-memory slice store.
func NewMemory() *Memory {
	return &Memory{slices: make(map[uint64][]byte)}
}

// GetSlice implements Store.
func (s *Memory) GetSlice(ctx context.Context, v Version, p uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	raw := s.slices[p]
	// Copy before trimming: the live slice may grow concurrently.
	bits := make([]byte, len(raw))
	copy(bits, raw)
	return TrimSlice(bits, v.SampleCount), nil
}

// AppendSample implements Store.
func (s *Memory) AppendSample(ctx context.Context, rank uint32, positions []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for _, p := range positions {
		s.slices[p] = SetBit(s.slices[p], rank)
	}
	return nil
}

// PutSlice implements Store.
func (s *Memory) PutSlice(ctx context.Context, p uint64, bits []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cp := make([]byte, len(bits))
	copy(cp, bits)
	s.slices[p] = cp
	return nil
}

// Seal implements Store.
func (s *Memory) Seal(ctx context.Context, sampleCount uint32) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Version{}, ErrClosed
	}

	s.current = Version{Seq: s.current.Seq + 1, SampleCount: sampleCount}
	return s.current, nil
}

// Current implements Store.
func (s *Memory) Current() Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Scan implements Store.
func (s *Memory) Scan(ctx context.Context, v Version, fn func(p uint64, bits []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	positions := make([]uint64, 0, len(s.slices))
	for p := range s.slices {
		positions = append(positions, p)
	}
	snapshot := make(map[uint64][]byte, len(s.slices))
	for p, raw := range s.slices {
		cp := make([]byte, len(raw))
		copy(cp, raw)
		snapshot[p] = cp
	}
	s.mu.RUnlock()

	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p, TrimSlice(snapshot[p], v.SampleCount)); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
