package epubpipe

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// entityNameToNumeric maps lowercase HTML entity names to their XML numeric
// character references. encoding/xml does not recognise HTML named entities,
// so we convert them before parsing OPF/NCX/XHTML entries.
var entityNameToNumeric = map[string][]byte{
	"nbsp": []byte("&#160;"), "mdash": []byte("&#8212;"), "ndash": []byte("&#8211;"),
	"hellip": []byte("&#8230;"),
	"lsquo": []byte("&#8216;"), "rsquo": []byte("&#8217;"),
	"ldquo": []byte("&#8220;"), "rdquo": []byte("&#8221;"),
	"copy": []byte("&#169;"), "reg": []byte("&#174;"), "trade": []byte("&#8482;"),
	"bull": []byte("&#8226;"), "middot": []byte("&#183;"),
	"eacute": []byte("&#233;"), "egrave": []byte("&#232;"),
	"ecirc": []byte("&#234;"), "euml": []byte("&#235;"),
	"aacute": []byte("&#225;"), "agrave": []byte("&#224;"),
	"acirc": []byte("&#226;"), "auml": []byte("&#228;"),
	"iacute": []byte("&#237;"), "igrave": []byte("&#236;"),
	"icirc": []byte("&#238;"), "iuml": []byte("&#239;"),
	"oacute": []byte("&#243;"), "ograve": []byte("&#242;"),
	"ocirc": []byte("&#244;"), "ouml": []byte("&#246;"),
	"uacute": []byte("&#250;"), "ugrave": []byte("&#249;"),
	"ucirc": []byte("&#251;"), "uuml": []byte("&#252;"),
	"ntilde": []byte("&#241;"), "ccedil": []byte("&#231;"),
	"times": []byte("&#215;"), "divide": []byte("&#247;"),
	"deg": []byte("&#176;"), "para": []byte("&#182;"), "sect": []byte("&#167;"),
	"laquo": []byte("&#171;"), "raquo": []byte("&#187;"),
	"iexcl": []byte("&#161;"), "iquest": []byte("&#191;"),
}

// htmlEntityPattern matches common HTML named entities case-insensitively.
var htmlEntityPattern = regexp.MustCompile(
	`(?i)&(nbsp|mdash|ndash|hellip|lsquo|rsquo|ldquo|rdquo|copy|reg|trade|bull|middot|` +
		`eacute|egrave|ecirc|euml|aacute|agrave|acirc|auml|iacute|igrave|icirc|iuml|` +
		`oacute|ograve|ocirc|ouml|uacute|ugrave|ucirc|uuml|ntilde|ccedil|` +
		`times|divide|deg|para|sect|laquo|raquo|iexcl|iquest);`)

// preprocessHTMLEntities replaces common HTML named entities with their
// numeric character references so that a strict XML parser accepts the data.
// The matching is case-insensitive to handle non-standard ePub content.
func preprocessHTMLEntities(data []byte) []byte {
	return htmlEntityPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := strings.ToLower(string(match[1 : len(match)-1]))
		if replacement, ok := entityNameToNumeric[name]; ok {
			return replacement
		}
		return match
	})
}

// voidElements are HTML elements that never have content and must be
// serialised self-closing in XHTML output.
var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Source: true, atom.Track: true,
	atom.Wbr: true,
}

// renderXHTML serialises the subtree rooted at n as well-formed XHTML:
// void elements are self-closed and text/attribute values are escaped, so
// the output survives a strict XML re-parse.
func renderXHTML(w io.Writer, n *html.Node) error {
	switch n.Type {
	case html.TextNode:
		if err := writeEscapedText(w, n.Data); err != nil {
			return err
		}
	case html.CommentNode:
		if _, err := fmt.Fprintf(w, "<!--%s-->", n.Data); err != nil {
			return err
		}
	case html.DoctypeNode, html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := renderXHTML(w, c); err != nil {
				return err
			}
		}
	case html.ElementNode:
		if _, err := io.WriteString(w, "<"+n.Data); err != nil {
			return err
		}
		for _, a := range n.Attr {
			key := a.Key
			if a.Namespace != "" {
				key = a.Namespace + ":" + a.Key
			}
			if _, err := fmt.Fprintf(w, ` %s="%s"`, key, escapeAttr(a.Val)); err != nil {
				return err
			}
		}
		if voidElements[n.DataAtom] && n.FirstChild == nil {
			_, err := io.WriteString(w, "/>")
			return err
		}
		if _, err := io.WriteString(w, ">"); err != nil {
			return err
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := renderXHTML(w, c); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "</"+n.Data+">"); err != nil {
			return err
		}
	}
	return nil
}

func writeEscapedText(w io.Writer, s string) error {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	_, err := io.WriteString(w, r.Replace(s))
	return err
}

func escapeAttr(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// findElementNode performs a depth-first search for a node with the given
// atom tag.
func findElementNode(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if result := findElementNode(c, a); result != nil {
			return result
		}
	}
	return nil
}

// nodeAttr returns the value of the attribute with the given key on n.
func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText recursively collects all text content within a node.
func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
	}
	return sb.String()
}

// scanClassAttrs tokenizes markup data and collects every class name used
// in a class attribute. Malformed markup is tolerated; scanning stops at
// the first tokenizer error other than EOF.
func scanClassAttrs(data []byte, used map[string]bool) {
	tok := html.NewTokenizer(bytes.NewReader(data))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			return
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		for {
			key, val, more := tok.TagAttr()
			if string(key) == "class" {
				for _, c := range strings.Fields(string(val)) {
					used[c] = true
				}
			}
			if !more {
				break
			}
		}
	}
}

// fontFamilyPattern matches font-family declarations in CSS or inline style
// attributes.
var fontFamilyPattern = regexp.MustCompile(`(?i)font-family\s*:\s*([^;}"']+|"[^"]*"|'[^']*')+`)

// scanFontFamilies collects font family names referenced by font-family
// declarations in data (a style sheet or a markup document with inline
// styles).
func scanFontFamilies(data []byte, families map[string]bool) {
	for _, m := range fontFamilyPattern.FindAllString(string(data), -1) {
		_, list, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		for _, name := range strings.Split(list, ",") {
			name = strings.Trim(strings.TrimSpace(name), `"'`)
			if name == "" || isGenericFamily(name) {
				continue
			}
			families[name] = true
		}
	}
}

// isGenericFamily reports whether name is a CSS generic family keyword.
func isGenericFamily(name string) bool {
	switch strings.ToLower(name) {
	case "serif", "sans-serif", "monospace", "cursive", "fantasy", "system-ui", "inherit", "initial":
		return true
	}
	return false
}

