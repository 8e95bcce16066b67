package epubpipe

import (
	"context"
	"strings"
	"testing"

	"github.com/beevik/etree"
)

func applyMarkupOptimize(t *testing.T, pkg *Package) {
	t.Helper()
	f, _ := newMarkupOptimize(nil, FilterSpec{})
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatalf("markup optimize: %v", err)
	}
}

func TestMarkupOptimizeStripsScripts(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/Text/chapter1.xhtml"] = `<?xml version="1.0"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>c</title><script>alert("x")</script></head>
<body>
  <p onclick="steal()">Click <a href="javascript:void(0)">here</a> or <a href="Text/chapter2.xhtml">there</a>.</p>
</body>
</html>`
	pkg := openTestPackage(t, files)

	applyMarkupOptimize(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/Text/chapter1.xhtml")
	out := string(data)
	if strings.Contains(out, "<script") {
		t.Error("script element survived")
	}
	if strings.Contains(out, "onclick") {
		t.Error("event handler attribute survived")
	}
	if strings.Contains(out, "javascript:") {
		t.Error("javascript: href survived")
	}
	if !strings.Contains(out, `href="Text/chapter2.xhtml"`) {
		t.Error("safe href was removed")
	}
}

func TestMarkupOptimizeRecoversMalformedDocument(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/Text/chapter1.xhtml"] = `<html>
<head><title>broken</head>
<body>
<p>Unclosed paragraph
<p>Another one<br>
</body></html>`
	pkg := openTestPackage(t, files)

	applyMarkupOptimize(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/Text/chapter1.xhtml")
	out := string(data)
	if !strings.HasPrefix(out, `<?xml version="1.0" encoding="utf-8"?>`) {
		t.Error("output lacks an XML declaration")
	}
	if !strings.Contains(out, "<!DOCTYPE html>") {
		t.Error("output lacks the doctype")
	}
	if !strings.Contains(out, "<br/>") && !strings.Contains(out, "<br />") {
		t.Error("void element not self-closed")
	}

	// The result must parse as strict XML.
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		t.Fatalf("canonical output not well-formed: %v", err)
	}
	if doc.Root() == nil || doc.Root().Tag != "html" {
		t.Error("canonical output has no html root")
	}
	ps := doc.FindElements("//p")
	if len(ps) != 2 {
		t.Errorf("paragraphs = %d, want 2 after recovery", len(ps))
	}
}

func TestMarkupOptimizeAddsNamespace(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/Text/chapter1.xhtml"] = `<html><head><title>x</title></head><body><p>y</p></body></html>`
	pkg := openTestPackage(t, files)

	applyMarkupOptimize(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/Text/chapter1.xhtml")
	if !strings.Contains(string(data), `xmlns="http://www.w3.org/1999/xhtml"`) {
		t.Error("xhtml namespace not added to the root")
	}
}

func TestMarkupOptimizeSkipsNonMarkupEntries(t *testing.T) {
	files := minimalV2Files()
	pkg := openTestPackage(t, files)
	before, _ := pkg.Store().Get("OEBPS/Styles/main.css")

	applyMarkupOptimize(t, pkg)

	after, _ := pkg.Store().Get("OEBPS/Styles/main.css")
	if string(before) != string(after) {
		t.Error("style sheet rewritten by the markup filter")
	}
}

func TestMarkupOptimizeEscapesEntities(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/Text/chapter1.xhtml"] = `<html><head><title>x</title></head><body><p>a &amp; b &lt; c</p></body></html>`
	pkg := openTestPackage(t, files)

	applyMarkupOptimize(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/Text/chapter1.xhtml")
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		t.Fatalf("output not well-formed: %v", err)
	}
	p := doc.FindElement("//p")
	if p == nil || p.Text() != "a & b < c" {
		t.Errorf("entity round trip wrong: %v", p)
	}
}
