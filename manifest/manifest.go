// Package manifest persists the index-wide parameter set and sample
// registry.
//
// The manifest is the single source of truth for (k, m, h) and the
// sample-id to rank mapping. Every signature ever folded into an index
// shares the manifest's parameters; a mismatch is a configuration error,
// never coerced. Updates are atomic: a new manifest file is written,
// fsynced and renamed, then the CURRENT pointer is swapped.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"

	// CurrentFormatVersion is the manifest format this build reads and
	// writes. Loading any other version fails.
	CurrentFormatVersion = 1
)

// ErrUnsupportedFormat indicates a manifest with an unknown format
// version. Best-effort parsing is never attempted.
type ErrUnsupportedFormat struct {
	Version int
}

func (e *ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported manifest format version: %d (expected %d)", e.Version, CurrentFormatVersion)
}

// SampleInfo records one registered sample. Rank is the dense, zero
// based insertion index, doubling as the column offset inside every
// bit-slice.
type SampleInfo struct {
	ID   string `json:"id"`
	Rank uint32 `json:"rank"`
}

// Manifest describes the parameters and sample registry of one index.
type Manifest struct {
	FormatVersion int    `json:"format_version"`
	Generation    uint64 `json:"generation"`

	K         int    `json:"k"`
	M         uint64 `json:"m"`
	NumHashes int    `json:"num_hashes"`
	HashFunc  string `json:"hash_func"`

	SampleCount uint32       `json:"sample_count"`
	Samples     []SampleInfo `json:"samples"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. The index hands clones to callers so the
// live registry is never aliased.
func (m *Manifest) Clone() *Manifest {
	cp := *m
	cp.Samples = make([]SampleInfo, len(m.Samples))
	copy(cp.Samples, m.Samples)
	return &cp
}

// RankOf returns the rank of a sample id.
func (m *Manifest) RankOf(id string) (uint32, bool) {
	for _, s := range m.Samples {
		if s.ID == id {
			return s.Rank, true
		}
	}
	return 0, false
}

// AddSample appends a sample at the next rank and bumps the count.
func (m *Manifest) AddSample(id string) uint32 {
	rank := m.SampleCount
	m.Samples = append(m.Samples, SampleInfo{ID: id, Rank: rank})
	m.SampleCount++
	m.UpdatedAt = time.Now().UTC()
	return rank
}

// Store manages the manifest files in an index directory and their
// atomic replacement.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a manifest store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Exists reports whether a manifest has ever been saved in this
// directory.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, CurrentFileName))
	return err == nil
}

// Load reads the manifest referenced by the CURRENT pointer.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(s.dir, CurrentFileName))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, string(content)))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.FormatVersion != CurrentFormatVersion {
		return nil, &ErrUnsupportedFormat{Version: m.FormatVersion}
	}
	return &m, nil
}

// Save atomically persists a new manifest generation.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.FormatVersion = CurrentFormatVersion
	m.Generation++

	filename := fmt.Sprintf("%s-%06d.json", ManifestFileName, m.Generation)
	path := filepath.Join(s.dir, filename)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := writeFileSync(path, data); err != nil {
		return err
	}
	if err := s.syncDir(); err != nil {
		return err
	}

	// Swap the CURRENT pointer only after the manifest itself is durable.
	if err := writeFileSync(filepath.Join(s.dir, CurrentFileName), []byte(filename)); err != nil {
		return err
	}
	return s.syncDir()
}

// Remove deletes the CURRENT pointer and every manifest generation.
// The pointer goes first so a crash mid-remove never leaves CURRENT
// referencing a deleted file.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, CurrentFileName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, ManifestFileName+"-*.json"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// writeFileSync writes data to a temp file, fsyncs it and renames it
// into place.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) syncDir() error {
	f, err := os.Open(s.dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
