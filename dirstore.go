package epubpipe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// DirStore is the directory-backed Store: entries are read and written
// lazily against a base directory. Writes are immediately durable.
type DirStore struct {
	base          string
	order         []string // walk order at open time, then insertion order
	known         map[string]bool
	manifestOrder []string
}

// OpenDirStore builds a DirStore rooted at base. The directory is walked
// once to record the entry order; file contents stay on disk until read.
// Fails with a wrapped ErrIO on permission or existence errors.
func OpenDirStore(base string) (*DirStore, error) {
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("epubpipe: open directory %s: %v: %w", base, err, ErrIO)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("epubpipe: %s is not a directory: %w", base, ErrIO)
	}

	s := &DirStore{
		base:  base,
		known: make(map[string]bool),
	}

	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		s.order = append(s.order, name)
		s.known[name] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("epubpipe: walk directory %s: %v: %w", base, err, ErrIO)
	}

	return s, nil
}

// fullPath maps a store path to its on-disk location.
func (s *DirStore) fullPath(path string) string {
	return filepath.Join(s.base, filepath.FromSlash(path))
}

// Get reads the entry bytes at path from disk.
func (s *DirStore) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("epubpipe: %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("epubpipe: read %s: %v: %w", path, err, ErrIO)
	}
	return data, nil
}

// Put writes the entry at path to disk, creating parent directories as
// needed.
func (s *DirStore) Put(path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}
	full := s.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("epubpipe: mkdir for %s: %v: %w", path, err, ErrIO)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("epubpipe: write %s: %v: %w", path, err, ErrIO)
	}
	if !s.known[path] {
		s.known[path] = true
		s.order = append(s.order, path)
	}
	return nil
}

// Delete removes the entry at path. Deleting a missing path is a no-op.
func (s *DirStore) Delete(path string) error {
	err := os.Remove(s.fullPath(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("epubpipe: delete %s: %v: %w", path, err, ErrIO)
	}
	delete(s.known, path)
	return nil
}

// Exists reports whether an entry is present at path.
func (s *DirStore) Exists(path string) bool {
	if s.known[path] {
		return true
	}
	// A file may have appeared outside the store's bookkeeping.
	info, err := os.Stat(s.fullPath(path))
	if err != nil || info.IsDir() {
		return false
	}
	s.known[path] = true
	s.order = append(s.order, path)
	return true
}

// List returns all entry paths, manifest order first.
func (s *DirStore) List() []string {
	insertion := make([]string, 0, len(s.order))
	for _, p := range s.order {
		if s.known[p] {
			insertion = append(insertion, p)
		}
	}
	return orderedList(s.manifestOrder, insertion, func(p string) bool { return s.known[p] })
}

// Digest returns the canonical content digest of the entry at path.
func (s *DirStore) Digest(path string) (digest.Digest, error) {
	return contentDigest(s, path)
}

// Reorder installs the manifest order used by List.
func (s *DirStore) Reorder(manifestOrder []string) {
	s.manifestOrder = append([]string(nil), manifestOrder...)
}

// Base returns the base directory this store is rooted at.
func (s *DirStore) Base() string { return s.base }
