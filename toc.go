package epubpipe

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// TOCItem represents a single entry in the table of contents.
// TOC is a tree structure; each item may have nested children.
type TOCItem struct {
	// Title is the display text of the TOC entry.
	Title string

	// Href is the content file reference resolved to a store path (may
	// include a fragment, e.g., "Text/chapter01.xhtml#section2").
	Href string

	// Children contains nested TOC entries under this item.
	Children []TOCItem
}

// TOC parses and returns the package's table of contents. For version 3
// packages the nav document is preferred; the NCX is the fallback for
// version 2 packages and version 3 packages without a nav document.
// A package with no navigation data returns an empty slice.
func (p *Package) TOC() []TOCItem {
	if strings.HasPrefix(p.Version(), "3") {
		if toc, ok := p.navTOC(); ok {
			return toc
		}
	}
	if toc, ok := p.ncxTOC(); ok {
		return toc
	}
	return []TOCItem{}
}

// navManifestItem returns the manifest item carrying the "nav" property,
// or nil. Iterates the OPF slice for deterministic document order.
func (p *Package) navManifestItem() *manifestItem {
	for _, raw := range p.opf.Manifest.Items {
		for _, prop := range strings.Fields(raw.Properties) {
			if prop == "nav" {
				return p.byID[raw.ID]
			}
		}
	}
	return nil
}

// ncxManifestItem returns the NCX manifest item, located via the spine's
// toc attribute or by media type, or nil.
func (p *Package) ncxManifestItem() *manifestItem {
	if tocID := p.opf.Spine.Toc; tocID != "" {
		if item, ok := p.byID[tocID]; ok {
			return item
		}
	}
	for _, raw := range p.opf.Manifest.Items {
		if raw.MediaType == "application/x-dtbncx+xml" {
			return p.byID[raw.ID]
		}
	}
	return nil
}

func (p *Package) navTOC() ([]TOCItem, bool) {
	item := p.navManifestItem()
	if item == nil {
		return nil, false
	}
	navPath := p.ResolvePath(item.Href)
	data, err := p.store.Get(navPath)
	if err != nil {
		return nil, false
	}
	toc, err := parseNavDocument(data, navPath)
	if err != nil {
		return nil, false
	}
	return toc, true
}

func (p *Package) ncxTOC() ([]TOCItem, bool) {
	item := p.ncxManifestItem()
	if item == nil {
		return nil, false
	}
	ncxPath := p.ResolvePath(item.Href)
	data, err := p.store.Get(ncxPath)
	if err != nil {
		return nil, false
	}
	toc, err := parseNCX(data, ncxPath)
	if err != nil {
		return nil, false
	}
	return toc, true
}

// --- NCX XML decoding structs (version 2) ---

// ncxDocument represents the root <ncx> element of an NCX file.
type ncxDocument struct {
	XMLName xml.Name  `xml:"ncx"`
	NavMap  ncxNavMap `xml:"navMap"`
}

// ncxNavMap represents the <navMap> element containing top-level navPoints.
type ncxNavMap struct {
	NavPoints []ncxNavPoint `xml:"navPoint"`
}

// ncxNavPoint represents a <navPoint> element which may contain nested navPoints.
type ncxNavPoint struct {
	ID        string        `xml:"id,attr"`
	PlayOrder string        `xml:"playOrder,attr"`
	Label     ncxNavLabel   `xml:"navLabel"`
	Content   ncxContent    `xml:"content"`
	Children  []ncxNavPoint `xml:"navPoint"`
}

// ncxNavLabel represents the <navLabel> element containing the display text.
type ncxNavLabel struct {
	Text string `xml:"text"`
}

// ncxContent represents the <content> element with its src attribute.
type ncxContent struct {
	Src string `xml:"src,attr"`
}

// parseNCX parses NCX data and returns a tree of TOCItem. ncxPath is the
// package-internal path to the NCX file, used to resolve relative hrefs.
func parseNCX(data []byte, ncxPath string) ([]TOCItem, error) {
	data = preprocessHTMLEntities(stripBOM(data))

	var doc ncxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("epubpipe: parse NCX: %v: %w", err, ErrMalformedMarkup)
	}

	return convertNavPoints(doc.NavMap.NavPoints, ncxPath), nil
}

// convertNavPoints recursively converts ncxNavPoint elements into TOCItem entries.
func convertNavPoints(points []ncxNavPoint, ncxPath string) []TOCItem {
	if len(points) == 0 {
		return nil
	}

	items := make([]TOCItem, 0, len(points))
	for _, np := range points {
		item := TOCItem{
			Title: strings.TrimSpace(np.Label.Text),
		}

		// Resolve href relative to the NCX file location.
		src := strings.TrimSpace(np.Content.Src)
		if src != "" {
			if resolved := resolveRelativePath(ncxPath, src); resolved != "" {
				item.Href = resolved
			}
		}

		item.Children = convertNavPoints(np.Children, ncxPath)
		items = append(items, item)
	}

	return items
}

// --- Nav document parsing (version 3) ---

// parseNavDocument parses a version 3 XHTML nav document and returns its
// toc entries. basePath is the package-internal path of the nav document.
func parseNavDocument(data []byte, basePath string) ([]TOCItem, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("epubpipe: parse nav document: %v: %w", err, ErrMalformedMarkup)
	}

	var toc []TOCItem
	var findNavs func(*html.Node)
	findNavs = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "nav" && hasEpubType(n, "toc") {
			if ol := findFirstChildElement(n, "ol"); ol != nil && toc == nil {
				toc = parseNavOL(ol, basePath)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			findNavs(c)
		}
	}
	findNavs(doc)

	return toc, nil
}

// parseNavOL processes an <ol> element and returns its <li> children as TOCItem entries.
func parseNavOL(ol *html.Node, basePath string) []TOCItem {
	var items []TOCItem
	for c := ol.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "li" {
			items = append(items, parseNavLI(c, basePath))
		}
	}
	return items
}

// parseNavLI processes a single <li> element: <a> (or <span> fallback)
// for title/href and a nested <ol> for children.
func parseNavLI(li *html.Node, basePath string) TOCItem {
	var item TOCItem

	for c := li.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "a":
			if item.Href == "" {
				if href := nodeAttr(c, "href"); href != "" {
					if resolved := resolveRelativePath(basePath, href); resolved != "" {
						item.Href = resolved
					}
				}
				item.Title = strings.TrimSpace(nodeText(c))
			}
		case "span":
			if item.Title == "" {
				item.Title = strings.TrimSpace(nodeText(c))
			}
		case "ol":
			item.Children = parseNavOL(c, basePath)
		}
	}

	return item
}

// hasEpubType checks whether n has an epub:type attribute containing the
// given space-separated token.
func hasEpubType(n *html.Node, typeName string) bool {
	for _, t := range strings.Fields(nodeAttr(n, "epub:type")) {
		if t == typeName {
			return true
		}
	}
	return false
}

// findFirstChildElement performs a depth-first search for the first
// descendant element with the given tag name.
func findFirstChildElement(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
		if found := findFirstChildElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}
