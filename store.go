package epubpipe

import (
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// EntryKind classifies the content of a store entry.
type EntryKind int

const (
	// KindBinary covers fonts, images, and any other opaque content.
	KindBinary EntryKind = iota

	// KindText covers style sheets and other plain-text content.
	KindText

	// KindMarkup covers structured documents (OPF, NCX, XHTML, SVG).
	KindMarkup
)

// Store is the uniform path-keyed byte storage for one package instance.
//
// Paths are POSIX-style: forward-slash separated, case-sensitive, with no
// "." or ".." segments. Both implementations expose identical behaviour and
// error taxonomy; they differ only in durability and peak-memory trade-off.
//
// A Store is not safe for concurrent use by multiple goroutines. In batch
// processing each job owns its store exclusively.
type Store interface {
	// Get returns the entry bytes at path, or a wrapped ErrNotFound.
	Get(path string) ([]byte, error)

	// Put writes the entry at path, overwriting silently. Callers that keep
	// a DocCache over this store must route structured-document writes
	// through the cache instead.
	Put(path string, data []byte) error

	// Delete removes the entry at path. Deleting a missing path is a no-op.
	Delete(path string) error

	// Exists reports whether an entry is present at path.
	Exists(path string) bool

	// List returns all entry paths: manifest-ordered entries first (as
	// installed by Reorder), then any remainder in insertion order.
	List() []string

	// Digest returns the canonical content digest of the entry at path.
	Digest(path string) (digest.Digest, error)

	// Reorder installs the manifest order used by List. Paths not present
	// in the store are ignored; entries not named keep insertion order.
	Reorder(manifestOrder []string)
}

// validatePath rejects paths that are empty, absolute, backslashed, or
// contain "." / ".." segments.
func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("epubpipe: empty entry path: %w", ErrIO)
	}
	if strings.ContainsRune(p, '\\') {
		return fmt.Errorf("epubpipe: backslash in entry path %q: %w", p, ErrIO)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("epubpipe: absolute entry path %q: %w", p, ErrIO)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("epubpipe: invalid entry path %q: %w", p, ErrIO)
		}
	}
	return nil
}

// isSafePath checks whether p is a safe archive-internal path that does not
// escape the package root via path traversal.
func isSafePath(p string) bool {
	cleaned := path.Clean(p)
	if strings.HasPrefix(cleaned, "/") {
		return false
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}

// markupExtensions are the extensions classified as structured markup.
var markupExtensions = map[string]bool{
	".opf": true, ".ncx": true, ".xml": true,
	".xhtml": true, ".html": true, ".htm": true,
	".svg": true, ".smil": true,
}

// textExtensions are the extensions classified as plain text.
var textExtensions = map[string]bool{
	".css": true, ".txt": true, ".js": true, ".json": true,
}

// KindOf classifies an entry path by extension.
func KindOf(p string) EntryKind {
	ext := strings.ToLower(path.Ext(p))
	switch {
	case markupExtensions[ext]:
		return KindMarkup
	case textExtensions[ext]:
		return KindText
	default:
		return KindBinary
	}
}

// isMarkupPath reports whether p is a reflowable markup document
// (XHTML/HTML, not OPF/NCX/SVG).
func isMarkupPath(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return ext == ".xhtml" || ext == ".html" || ext == ".htm"
}

// isStylePath reports whether p is a style sheet.
func isStylePath(p string) bool {
	return strings.ToLower(path.Ext(p)) == ".css"
}

// isFontPath reports whether p is an embedded font file.
func isFontPath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".ttf", ".otf", ".woff", ".woff2":
		return true
	}
	return false
}

// isImagePath reports whether p is an image asset.
func isImagePath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// contentDigest computes the canonical digest of the entry at path by
// reading it through the store.
func contentDigest(s Store, path string) (digest.Digest, error) {
	data, err := s.Get(path)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}

// orderedList merges a manifest order with an insertion order: manifest
// paths present in the store come first, then the remaining paths in
// insertion order.
func orderedList(manifestOrder, insertionOrder []string, exists func(string) bool) []string {
	out := make([]string, 0, len(insertionOrder))
	seen := make(map[string]bool, len(insertionOrder))
	for _, p := range manifestOrder {
		if exists(p) && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range insertionOrder {
		if exists(p) && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
