// Package stage holds encrypted fragment bytes between distribution and
// verified placement. The coordinator stages ciphertext at encode time,
// the transfer pusher reads it when pushing to nodes, and the entry is
// dropped once every placement of the fragment verified.
package stage

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stage is a keyed byte store for fragment ciphertext.
type Stage interface {
	Put(fragmentID string, data []byte) error
	Get(fragmentID string) ([]byte, bool)
	Delete(fragmentID string) error
	Len() int
}

var _ Stage = (*DiskStage)(nil)
var _ Stage = (*MemoryStage)(nil)

// DiskStage keeps staged ciphertext as one file per fragment.
type DiskStage struct {
	dir string
}

// NewDiskStage creates the staging directory if needed.
func NewDiskStage(dir string) (*DiskStage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stage dir: %w", err)
	}
	return &DiskStage{dir: dir}, nil
}

func (s *DiskStage) path(fragmentID string) string {
	return filepath.Join(s.dir, fragmentID)
}

// Put writes the fragment's ciphertext.
func (s *DiskStage) Put(fragmentID string, data []byte) error {
	return os.WriteFile(s.path(fragmentID), data, 0644)
}

// Get reads the fragment's ciphertext.
func (s *DiskStage) Get(fragmentID string) ([]byte, bool) {
	data, err := os.ReadFile(s.path(fragmentID))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Delete removes the staged fragment. Deleting an absent fragment is not
// an error.
func (s *DiskStage) Delete(fragmentID string) error {
	err := os.Remove(s.path(fragmentID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Len counts staged fragments.
func (s *DiskStage) Len() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

// MemoryStage is an LRU-bounded in-memory stage for tests and development
// runs. Under pressure it evicts the oldest entry; a push for an evicted
// fragment fails and the placement is retried after a fresh distribute.
type MemoryStage struct {
	cache *lru.Cache[string, []byte]
}

// DefaultMemoryEntries bounds the development stage.
const DefaultMemoryEntries = 4096

// NewMemoryStage creates a bounded in-memory stage. maxEntries <= 0 uses
// the default bound.
func NewMemoryStage(maxEntries int) (*MemoryStage, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	cache, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryStage{cache: cache}, nil
}

// Put stores the fragment's ciphertext, evicting the oldest entry when
// the bound is hit.
func (s *MemoryStage) Put(fragmentID string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.cache.Add(fragmentID, cp)
	return nil
}

// Get reads the fragment's ciphertext.
func (s *MemoryStage) Get(fragmentID string) ([]byte, bool) {
	data, ok := s.cache.Get(fragmentID)
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true
}

// Delete removes the staged fragment.
func (s *MemoryStage) Delete(fragmentID string) error {
	s.cache.Remove(fragmentID)
	return nil
}

// Len counts staged fragments.
func (s *MemoryStage) Len() int {
	return s.cache.Len()
}
