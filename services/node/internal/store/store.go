// Package store keeps fragment ciphertext on disk, one file per
// fragment, with capacity accounting that survives restarts.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrStorageFull is returned when a put would exceed the configured
	// capacity.
	ErrStorageFull = errors.New("store: capacity exceeded")

	// ErrNotFound is returned when the fragment is not on disk.
	ErrNotFound = errors.New("store: fragment not found")
)

// Store persists fragments under a single directory and refuses writes
// past its capacity.
type Store struct {
	mu       sync.RWMutex
	dir      string
	capacity int64
	used     int64
	count    int
}

// New opens the fragment directory and recounts what is already there,
// so accounting picks up where the previous process left off.
func New(dir string, capacity int64) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("store: capacity must be positive, got %d", capacity)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	s := &Store{dir: dir, capacity: capacity}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.used += info.Size()
		s.count++
	}
	return s, nil
}

// path validates the fragment ID before it touches the filesystem.
func (s *Store) path(fragmentID string) (string, error) {
	if fragmentID == "" || strings.ContainsAny(fragmentID, `/\`) || strings.Contains(fragmentID, "..") {
		return "", fmt.Errorf("store: invalid fragment id %q", fragmentID)
	}
	return filepath.Join(s.dir, fragmentID), nil
}

// Put writes a fragment, charging its size against capacity. Rewriting
// an existing fragment replaces it and adjusts the accounting.
func (s *Store) Put(fragmentID string, data []byte) error {
	path, err := s.path(fragmentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	replacing := false
	if info, err := os.Stat(path); err == nil {
		existing = info.Size()
		replacing = true
	}
	if s.used-existing+int64(len(data)) > s.capacity {
		return ErrStorageFull
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	if replacing {
		s.used -= existing
		s.count--
	}
	s.used += int64(len(data))
	s.count++
	return nil
}

// Get reads a fragment back.
func (s *Store) Get(fragmentID string) ([]byte, error) {
	path, err := s.path(fragmentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Has reports whether a fragment is present.
func (s *Store) Has(fragmentID string) bool {
	path, err := s.path(fragmentID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes a fragment and releases its capacity. Deleting a
// missing fragment is not an error.
func (s *Store) Delete(fragmentID string) error {
	path, err := s.path(fragmentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	s.used -= info.Size()
	s.count--
	return nil
}

// Available returns the free capacity in bytes. A directory found
// already over capacity reports zero rather than a negative number.
func (s *Store) Available() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.used >= s.capacity {
		return 0
	}
	return s.capacity - s.used
}

// Used returns the bytes currently stored.
func (s *Store) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// Count returns the number of stored fragments.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
