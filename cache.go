package epubpipe

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// WriteMode selects the serialization rules applied by DocCache.WriteXML.
type WriteMode int

const (
	// ModePlain serialises the document as-is, ensuring only an XML
	// declaration. Used for NCX, container.xml and other plain XML entries.
	ModePlain WriteMode = iota

	// ModePackage is for the package manifest (OPF): the root element must
	// be <package> and the document gets an XML declaration.
	ModePackage

	// ModeMarkup is for reflowable markup documents: the root element must
	// be <html> and the document gets an XML declaration plus an HTML5
	// doctype.
	ModeMarkup
)

// DocCache lazily parses XML entries fetched from one Store and memoizes
// the parsed trees keyed by path.
//
// All structured-document access for a store must be routed through a
// single DocCache for the store's lifetime: if the underlying store is
// mutated through a path that bypasses the cache, the cached tree for that
// path becomes undefined. This is a documented discipline, not an enforced
// runtime guarantee; Invalidate exists for deliberate bypasses.
type DocCache struct {
	store Store
	docs  map[string]*etree.Document
}

// NewDocCache creates a DocCache over store.
func NewDocCache(store Store) *DocCache {
	return &DocCache{
		store: store,
		docs:  make(map[string]*etree.Document),
	}
}

// Store returns the wrapped store.
func (c *DocCache) Store() Store { return c.store }

// ReadXML parses the entry at path on first access and memoizes the tree;
// subsequent reads return the memoized tree until the entry is overwritten
// through this cache. Parse failures return a wrapped ErrMalformedMarkup
// and do not poison the cache for other paths.
func (c *DocCache) ReadXML(path string) (*etree.Document, error) {
	if doc, ok := c.docs[path]; ok {
		return doc, nil
	}

	data, err := c.store.Get(path)
	if err != nil {
		return nil, err
	}
	data = preprocessHTMLEntities(stripBOM(data))

	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("epubpipe: parse %s: %v: %w", path, err, ErrMalformedMarkup)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("epubpipe: parse %s: no root element: %w", path, ErrMalformedMarkup)
	}

	c.docs[path] = doc
	return doc, nil
}

// WriteXML serialises doc according to mode, writes the result to the
// store, and refreshes the cache with the just-written tree (no redundant
// reparse). Violating the expected mode fails with a wrapped
// ErrSerializationMismatch before anything is written.
func (c *DocCache) WriteXML(path string, doc *etree.Document, mode WriteMode) error {
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("epubpipe: write %s: document has no root element: %w", path, ErrSerializationMismatch)
	}

	switch mode {
	case ModePackage:
		if root.Tag != "package" {
			return fmt.Errorf("epubpipe: write %s: package mode requires a <package> root, got <%s>: %w",
				path, root.Tag, ErrSerializationMismatch)
		}
		ensureNamespace(root, "xmlns", "http://www.idpf.org/2007/opf")
		doc.WriteSettings.CanonicalEndTags = false
	case ModeMarkup:
		if root.Tag != "html" {
			return fmt.Errorf("epubpipe: write %s: markup mode requires an <html> root, got <%s>: %w",
				path, root.Tag, ErrSerializationMismatch)
		}
		ensureNamespace(root, "xmlns", "http://www.w3.org/1999/xhtml")
		ensureDoctype(doc, "html")
		doc.WriteSettings.CanonicalEndTags = true
	}

	ensureXMLDecl(doc)

	data, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("epubpipe: serialise %s: %w", path, err)
	}
	if err := c.store.Put(path, data); err != nil {
		return err
	}
	c.docs[path] = doc
	return nil
}

// PutBytes writes raw bytes through the store and drops any cached tree
// for that path, keeping the cache coherent for non-XML writes.
func (c *DocCache) PutBytes(path string, data []byte) error {
	if err := c.store.Put(path, data); err != nil {
		return err
	}
	delete(c.docs, path)
	return nil
}

// Delete removes the entry from the store and drops any cached tree.
func (c *DocCache) Delete(path string) error {
	if err := c.store.Delete(path); err != nil {
		return err
	}
	delete(c.docs, path)
	return nil
}

// Invalidate drops the cached tree for path, forcing a reparse on next
// access. Use after a deliberate store write that bypassed the cache.
func (c *DocCache) Invalidate(path string) {
	delete(c.docs, path)
}

// ensureXMLDecl makes the document's first token an XML declaration.
func ensureXMLDecl(doc *etree.Document) {
	for _, tok := range doc.Child {
		if pi, ok := tok.(*etree.ProcInst); ok && pi.Target == "xml" {
			return
		}
	}
	decl := doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	doc.RemoveChild(decl)
	doc.InsertChildAt(0, decl)
}

// ensureDoctype inserts a <!DOCTYPE name> directive after the XML
// declaration if the document has none.
func ensureDoctype(doc *etree.Document, name string) {
	for _, tok := range doc.Child {
		if d, ok := tok.(*etree.Directive); ok && strings.HasPrefix(strings.ToUpper(d.Data), "DOCTYPE") {
			return
		}
	}
	dir := doc.CreateDirective("DOCTYPE " + name)
	doc.RemoveChild(dir)
	// After the XML declaration when present, else first.
	idx := 0
	if len(doc.Child) > 0 {
		if pi, ok := doc.Child[0].(*etree.ProcInst); ok && pi.Target == "xml" {
			idx = 1
		}
	}
	doc.InsertChildAt(idx, dir)
}

// ensureNamespace sets the namespace attribute on root if absent.
func ensureNamespace(root *etree.Element, attr, uri string) {
	if root.SelectAttr(attr) == nil {
		root.CreateAttr(attr, uri)
	}
}
