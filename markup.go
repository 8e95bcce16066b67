package epubpipe

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// markupOptimize rewrites every reflowable markup document toward the
// canonical structural form the rest of the pipeline expects: documents
// are reparsed tolerantly, script elements and inline event handlers are
// dropped, unsafe URI schemes are neutralized, and the result is
// serialized as well-formed XHTML with an XML declaration and HTML5
// doctype. Malformed documents that the tolerant parser can recover
// become well-formed on the way out.
type markupOptimize struct{}

func newMarkupOptimize(cfg *Config, spec FilterSpec) (Filter, error) {
	return &markupOptimize{}, nil
}

func (f *markupOptimize) Name() string { return FilterMarkupOptimize }

func (f *markupOptimize) Apply(ctx context.Context, pkg *Package) error {
	for _, name := range pkg.Store().List() {
		if !isMarkupPath(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := pkg.Store().Get(name)
		if err != nil {
			return err
		}
		out, err := canonicalizeMarkup(data)
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", name, err)
		}
		if bytes.Equal(out, data) {
			continue
		}
		if err := pkg.Cache().PutBytes(name, out); err != nil {
			return err
		}
	}
	return nil
}

// canonicalizeMarkup parses one document tolerantly, sanitizes the tree,
// and re-serializes it as strict XHTML.
func canonicalizeMarkup(data []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(stripBOM(data)))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformedMarkup)
	}

	sanitizeNode(doc)

	htmlNode := findElementNode(doc, atom.Html)
	if htmlNode == nil {
		return nil, fmt.Errorf("no html element: %w", ErrMalformedMarkup)
	}
	ensureNodeAttr(htmlNode, "xmlns", "http://www.w3.org/1999/xhtml")

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	buf.WriteString("<!DOCTYPE html>\n")
	if err := renderXHTML(&buf, htmlNode); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// unsafeURISchemes are stripped from href/src attributes.
var unsafeURISchemes = []string{"javascript:", "vbscript:", "data:text/html"}

// sanitizeNode removes script elements, event-handler attributes, and
// unsafe URI targets in place.
func sanitizeNode(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && c.DataAtom == atom.Script {
			n.RemoveChild(c)
			continue
		}
		sanitizeNode(c)
	}

	if n.Type != html.ElementNode {
		return
	}
	attrs := n.Attr[:0]
	for _, a := range n.Attr {
		if strings.HasPrefix(strings.ToLower(a.Key), "on") {
			continue
		}
		if a.Key == "href" || a.Key == "src" {
			if hasUnsafeScheme(a.Val) {
				continue
			}
		}
		attrs = append(attrs, a)
	}
	n.Attr = attrs
}

func hasUnsafeScheme(val string) bool {
	v := strings.ToLower(strings.TrimSpace(val))
	for _, scheme := range unsafeURISchemes {
		if strings.HasPrefix(v, scheme) {
			return true
		}
	}
	return false
}

// ensureNodeAttr sets the attribute on n if absent.
func ensureNodeAttr(n *html.Node, key, val string) {
	for _, a := range n.Attr {
		if a.Key == key {
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
