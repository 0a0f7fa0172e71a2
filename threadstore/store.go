// Package threadstore persists agent thread ids across client restarts:
// a small JSON index on disk mapping a vault key to its last thread id.
package threadstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a file-backed thread-id index. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	path  string
	index index
}

type index struct {
	Threads map[string]string `json:"threads"`
}

// Open loads the index at path, creating an empty one when the file does not
// exist yet. A corrupt index is an error, never silently discarded.
func Open(path string) (*Store, error) {
	s := &Store{path: path, index: index{Threads: map[string]string{}}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("threadstore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return nil, fmt.Errorf("threadstore: parse %s: %w", path, err)
	}
	if s.index.Threads == nil {
		s.index.Threads = map[string]string{}
	}
	return s, nil
}

// Get returns the saved thread id for key, or "" if none.
func (s *Store) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Threads[key]
}

// Put saves id for key and writes the index to disk.
func (s *Store) Put(key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Threads[key] = id
	return s.writeLocked()
}

// Forget removes key's entry, if any, and writes the index to disk.
func (s *Store) Forget(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index.Threads[key]; !ok {
		return nil
	}
	delete(s.index.Threads, key)
	return s.writeLocked()
}

// writeLocked replaces the index file atomically: a reader never observes a
// partially written index. Caller holds s.mu.
func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("threadstore: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("threadstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".threads-*.json")
	if err != nil {
		return fmt.Errorf("threadstore: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("threadstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("threadstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("threadstore: replace %s: %w", s.path, err)
	}
	return nil
}
