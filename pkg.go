package epubpipe

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

// Package binds one package's Store and DocCache together with the parsed
// read-side view of its OPF. It is the unit every filter and codec phase
// operates on.
//
// A Package is not safe for concurrent use by multiple goroutines.
type Package struct {
	store    Store
	cache    *DocCache
	opfPath  string
	opfDir   string
	opf      *opfPackage
	byID     map[string]*manifestItem
	byHref   map[string]*manifestItem
	spine    []spineItem
	metadata Metadata
	warnings []string
}

// Open builds a Package over an archive-backed store from a ZIP blob.
func Open(data []byte) (*Package, error) {
	store, err := OpenArchive(data)
	if err != nil {
		return nil, err
	}
	return NewPackage(store)
}

// OpenDir builds a Package over a directory-backed store rooted at base.
func OpenDir(base string) (*Package, error) {
	store, err := OpenDirStore(base)
	if err != nil {
		return nil, err
	}
	return NewPackage(store)
}

// NewPackage builds a Package over an existing store: it validates the
// mimetype entry (deviations become warnings), locates and parses the OPF,
// and installs the manifest order on the store.
func NewPackage(store Store) (*Package, error) {
	p := &Package{
		store: store,
		cache: NewDocCache(store),
	}

	p.validateMimetype()

	opfPath, err := findOPFPath(store)
	if err != nil {
		return nil, err
	}
	p.opfPath = opfPath
	p.opfDir = path.Dir(opfPath)

	if fontObfuscation, err := classifyEncryption(store); err != nil {
		return nil, err
	} else if fontObfuscation {
		p.warnings = append(p.warnings, "font obfuscation detected; obfuscated fonts may not render correctly")
	}

	if err := p.reloadOPF(); err != nil {
		return nil, err
	}

	return p, nil
}

// reloadOPF re-reads and re-parses the OPF from the store, rebuilding the
// read-side maps and reinstalling the manifest order. Filters that mutate
// the OPF call this before returning.
func (p *Package) reloadOPF() error {
	data, err := p.store.Get(p.opfPath)
	if err != nil {
		return fmt.Errorf("epubpipe: OPF not found in package: %s: %w", p.opfPath, err)
	}

	opf, err := parseOPF(data)
	if err != nil {
		return err
	}
	p.opf = opf
	p.byID, p.byHref = buildManifestMaps(opf.Manifest)
	p.spine = buildSpine(opf.Spine, p.byID)
	p.metadata = extractMetadata(opf)

	// Install manifest order for Store.List: mimetype and container first,
	// then the OPF, then manifest items in declaration order.
	order := []string{mimetypePath, containerPath, p.opfPath}
	for _, item := range opf.Manifest.Items {
		if resolved := p.ResolvePath(item.Href); resolved != "" {
			order = append(order, resolved)
		}
	}
	p.store.Reorder(order)
	return nil
}

// validateMimetype checks that the mimetype entry exists and carries the
// required content. Deviations are recorded as warnings; structural repair
// fixes them.
func (p *Package) validateMimetype() {
	data, err := p.store.Get(mimetypePath)
	if err != nil {
		p.warnings = append(p.warnings, "mimetype entry missing")
		return
	}
	if string(data) != expectedMimetype {
		p.warnings = append(p.warnings, fmt.Sprintf("unexpected mimetype: %q", string(data)))
	}
}

// Store returns the package's store.
func (p *Package) Store() Store { return p.store }

// Cache returns the package's document cache. All structured-document
// access for this package must go through it.
func (p *Package) Cache() *DocCache { return p.cache }

// OPFPath returns the package-internal path of the OPF file.
func (p *Package) OPFPath() string { return p.opfPath }

// Version returns the package format version (e.g. "2.0", "3.0").
func (p *Package) Version() string { return p.opf.Version }

// Metadata returns the extracted descriptive metadata.
func (p *Package) Metadata() Metadata { return copyMetadata(p.metadata) }

// Warnings returns the non-fatal warnings accumulated while opening.
func (p *Package) Warnings() []string {
	return append([]string(nil), p.warnings...)
}

// Spine returns the resolved spine items in reading order.
func (p *Package) Spine() []spineItem {
	return append([]spineItem(nil), p.spine...)
}

// SpinePaths returns the store paths of the spine's markup documents in
// reading order.
func (p *Package) SpinePaths() []string {
	paths := make([]string, 0, len(p.spine))
	for _, si := range p.spine {
		if resolved := p.ResolvePath(si.Href); resolved != "" {
			paths = append(paths, resolved)
		}
	}
	return paths
}

// ResolvePath resolves a manifest href relative to the OPF directory into
// a store path.
func (p *Package) ResolvePath(href string) string {
	if href == "" {
		return ""
	}
	href = hrefWithoutFragment(href)
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	if p.opfDir == "." {
		return href
	}
	joined := path.Clean(path.Join(p.opfDir, href))
	if !isSafePath(joined) {
		return ""
	}
	return joined
}

// RelHref converts a store path back into an href relative to the OPF
// directory.
func (p *Package) RelHref(storePath string) string {
	if p.opfDir == "." {
		return storePath
	}
	prefix := p.opfDir + "/"
	if strings.HasPrefix(storePath, prefix) {
		return storePath[len(prefix):]
	}
	// Walk up from the OPF directory.
	up := strings.Count(p.opfDir, "/") + 1
	return strings.Repeat("../", up) + storePath
}

// Export flattens the package to an ePub ZIP blob and writes it to w.
// For an archive-backed store, unmodified entries keep their original
// compressed bytes; for other stores the archive is built fresh.
func (p *Package) Export(w io.Writer) error {
	data, err := p.ExportBytes()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("epubpipe: export: %v: %w", err, ErrIO)
	}
	return nil
}

// ExportBytes flattens the package to an ePub ZIP blob.
func (p *Package) ExportBytes() ([]byte, error) {
	if as, ok := p.store.(*ArchiveStore); ok {
		return as.Export()
	}

	// Generic path: build a fresh archive from the store contents.
	out := NewArchiveStore()
	for _, name := range p.store.List() {
		data, err := p.store.Get(name)
		if err != nil {
			return nil, err
		}
		if err := out.Put(name, data); err != nil {
			return nil, err
		}
	}
	out.Reorder(p.store.List())
	return out.Export()
}

// resolveRelativePath resolves href relative to the directory of basePath.
// Both are package-internal paths (forward-slash separated). The result is
// cleaned and validated to stay within the package root; escaping paths
// yield an empty string.
func resolveRelativePath(basePath, href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "/") {
		return ""
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	dir := path.Dir(basePath)
	cleaned := path.Clean(path.Join(dir, href))
	if !isSafePath(cleaned) {
		return ""
	}
	return cleaned
}

// hrefWithoutFragment returns the href with the fragment (#...) removed.
func hrefWithoutFragment(href string) string {
	if idx := strings.IndexByte(href, '#'); idx >= 0 {
		return href[:idx]
	}
	return href
}
