package epubpipe

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/opencontainers/go-digest"
)

// mimetypePath is the well-known ZIP entry carrying the package media type.
const mimetypePath = "mimetype"

// expectedMimetype is the required content of the mimetype entry.
const expectedMimetype = "application/epub+zip"

// maxDecompressSize is the maximum allowed decompressed size for a single
// ZIP entry. This guards against zip bomb attacks. Defaults to 256 MB.
const maxDecompressSize int64 = 256 * 1024 * 1024

// ArchiveStore is the archive-backed Store: the package is materialised
// fully in memory, built from a ZIP blob and flattened back to one on
// Export.
type ArchiveStore struct {
	entries       map[string][]byte
	order         []string // insertion order
	manifestOrder []string
	modified      map[string]bool

	// source tracks the original archive so that Export can raw-copy
	// unmodified entries without re-compression churn.
	source map[string]*zip.File
}

// NewArchiveStore creates an empty archive-backed store.
func NewArchiveStore() *ArchiveStore {
	return &ArchiveStore{
		entries:  make(map[string][]byte),
		modified: make(map[string]bool),
	}
}

// OpenArchive builds an ArchiveStore from a ZIP blob. It fails with a
// wrapped ErrCorruptArchive on structural violations: an unreadable central
// directory, duplicate entry paths, or entries escaping the archive root.
func OpenArchive(data []byte) (*ArchiveStore, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("epubpipe: open archive: %v: %w", err, ErrCorruptArchive)
	}

	s := NewArchiveStore()
	s.source = make(map[string]*zip.File, len(zr.File))

	for _, f := range zr.File {
		name := f.Name
		if name == "" || name[len(name)-1] == '/' {
			continue // directory entry
		}
		if !isSafePath(name) {
			return nil, fmt.Errorf("epubpipe: unsafe archive entry path %q: %w", name, ErrCorruptArchive)
		}
		if _, dup := s.entries[name]; dup {
			return nil, fmt.Errorf("epubpipe: duplicate archive entry %q: %w", name, ErrCorruptArchive)
		}
		content, err := readZipEntry(f, maxDecompressSize)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrCorruptArchive)
		}
		s.entries[name] = content
		s.order = append(s.order, name)
		s.source[name] = f
	}

	return s, nil
}

// readZipEntry reads the full contents of a ZIP entry, enforcing limit to
// guard against forged size declarations.
func readZipEntry(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("epubpipe: archive entry %s too large: %d bytes (max %d)", f.Name, f.UncompressedSize64, limit)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("epubpipe: open archive entry %s: %v", f.Name, err)
	}
	defer rc.Close()

	// Read up to limit+1 to detect if the actual decompressed data exceeds
	// the limit (the declared size might be wrong/forged).
	lr := io.LimitReader(rc, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("epubpipe: read archive entry %s: %v", f.Name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("epubpipe: archive entry %s decompressed size exceeds limit (%d bytes)", f.Name, limit)
	}

	return data, nil
}

// Get returns the entry bytes at path.
func (s *ArchiveStore) Get(path string) ([]byte, error) {
	data, ok := s.entries[path]
	if !ok {
		return nil, fmt.Errorf("epubpipe: %s: %w", path, ErrNotFound)
	}
	return data, nil
}

// Put writes the entry at path, overwriting silently.
func (s *ArchiveStore) Put(path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if _, exists := s.entries[path]; !exists {
		s.order = append(s.order, path)
	}
	s.entries[path] = data
	s.modified[path] = true
	return nil
}

// Delete removes the entry at path. Deleting a missing path is a no-op.
func (s *ArchiveStore) Delete(path string) error {
	delete(s.entries, path)
	s.modified[path] = true
	return nil
}

// Exists reports whether an entry is present at path.
func (s *ArchiveStore) Exists(path string) bool {
	_, ok := s.entries[path]
	return ok
}

// List returns all entry paths, manifest order first.
func (s *ArchiveStore) List() []string {
	return orderedList(s.manifestOrder, s.order, s.Exists)
}

// Digest returns the canonical content digest of the entry at path.
func (s *ArchiveStore) Digest(path string) (digest.Digest, error) {
	return contentDigest(s, path)
}

// Reorder installs the manifest order used by List.
func (s *ArchiveStore) Reorder(manifestOrder []string) {
	s.manifestOrder = append([]string(nil), manifestOrder...)
}

// Export flattens the store back to a ZIP blob.
//
// The mimetype entry is written first and stored uncompressed, as the
// container format requires. Entries that were not modified since OpenArchive
// are raw-copied from the source archive, keeping their compressed bytes
// stable so that content hashes survive successive passes unchanged.
func (s *ArchiveStore) Export() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	// mimetype first, stored.
	mt, ok := s.entries[mimetypePath]
	if !ok {
		mt = []byte(expectedMimetype)
	}
	if err := s.writeEntry(zw, mimetypePath, mt, zip.Store); err != nil {
		return nil, err
	}

	for _, name := range s.List() {
		if name == mimetypePath {
			continue
		}
		if err := s.writeEntry(zw, name, s.entries[name], zip.Deflate); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("epubpipe: close archive writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeEntry writes one entry to zw, raw-copying from the source archive
// when the entry is unmodified.
func (s *ArchiveStore) writeEntry(zw *zip.Writer, name string, data []byte, method uint16) error {
	if !s.modified[name] {
		if src, ok := s.source[name]; ok {
			if err := zw.Copy(src); err != nil {
				return fmt.Errorf("epubpipe: copy archive entry %s: %w", name, err)
			}
			return nil
		}
	}

	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("epubpipe: create archive entry %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("epubpipe: write archive entry %s: %w", name, err)
	}
	return nil
}

// stripBOM removes a leading UTF-8 BOM (0xEF 0xBB 0xBF) from data, if present.
func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}
