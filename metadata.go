package epubpipe

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Metadata holds the Dublin Core and other metadata extracted from the OPF file.
type Metadata struct {
	// Version is the package format version (e.g., "2.0", "3.0").
	Version string

	// Titles contains all dc:title values. The first entry is the primary title.
	Titles []string

	// Authors contains all dc:creator entries with their roles and file-as values.
	Authors []Author

	// Language contains all dc:language values (BCP 47 tags, e.g., "en", "zh-CN").
	Language []string

	// Identifiers contains all dc:identifier entries (ISBN, UUID, URI, etc.).
	Identifiers []Identifier

	// Publisher is the dc:publisher value.
	Publisher string

	// Date is the dc:date value (publication date as raw string).
	Date string

	// Description is the dc:description value.
	Description string

	// Subjects contains all dc:subject values.
	Subjects []string

	// Rights is the dc:rights value.
	Rights string

	// Source is the dc:source value.
	Source string
}

// Author represents a dc:creator entry with optional file-as and role attributes.
type Author struct {
	// Name is the display name of the author (dc:creator text content).
	Name string

	// FileAs is the opf:file-as attribute value (e.g., "Dickens, Charles").
	FileAs string

	// Role is the opf:role attribute value (e.g., "aut", "edt", "trl").
	Role string
}

// Identifier represents a dc:identifier entry.
type Identifier struct {
	// Value is the identifier text content (e.g., ISBN, UUID, URI).
	Value string

	// Scheme is the opf:scheme attribute value (e.g., "ISBN", "UUID").
	Scheme string

	// ID is the xml id attribute of this identifier element.
	ID string
}

// extractMetadata converts the raw OPF metadata into the public Metadata struct.
func extractMetadata(opf *opfPackage) Metadata {
	md := Metadata{
		Version: opf.Version,
	}
	om := &opf.Metadata

	// Build a refines lookup for version 3: "#id" → []opfMeta.
	refinesMap := buildRefinesMap(om.Metas)

	md.Titles = extractTitles(om.Titles, refinesMap)
	md.Authors = extractAuthors(om.Creators, refinesMap)

	for _, l := range om.Languages {
		if v := strings.TrimSpace(l.Value); v != "" {
			md.Language = append(md.Language, v)
		}
	}

	for _, id := range om.Identifiers {
		v := strings.TrimSpace(id.Value)
		if v == "" {
			continue
		}
		ident := Identifier{
			Value:  v,
			Scheme: id.Scheme,
			ID:     id.ID,
		}
		// Version 3: check refines for scheme.
		if ident.Scheme == "" && id.ID != "" {
			if s, ok := findRefine(refinesMap, id.ID, "identifier-type"); ok {
				ident.Scheme = s
			}
		}
		md.Identifiers = append(md.Identifiers, ident)
	}

	// Single-valued fields take the first non-empty occurrence.
	md.Publisher = firstNonEmpty(om.Publishers)
	md.Date = firstNonEmpty(om.Dates)
	md.Description = firstNonEmpty(om.Descriptions)
	md.Rights = firstNonEmpty(om.Rights)
	md.Source = firstNonEmpty(om.Sources)

	for _, s := range om.Subjects {
		if v := strings.TrimSpace(s.Value); v != "" {
			md.Subjects = append(md.Subjects, v)
		}
	}

	return md
}

func firstNonEmpty(elems []opfDCElement) string {
	for _, e := range elems {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}

// copyMetadata deep-copies md so callers cannot mutate the Package's view.
func copyMetadata(md Metadata) Metadata {
	out := md
	out.Titles = append([]string(nil), md.Titles...)
	out.Authors = append([]Author(nil), md.Authors...)
	out.Language = append([]string(nil), md.Language...)
	out.Identifiers = append([]Identifier(nil), md.Identifiers...)
	out.Subjects = append([]string(nil), md.Subjects...)
	return out
}

// buildRefinesMap builds a map from element ID (without "#") to the list of
// <meta refines="#id" ...> elements that refine it.
func buildRefinesMap(metas []opfMeta) map[string][]opfMeta {
	m := make(map[string][]opfMeta)
	for _, meta := range metas {
		ref := meta.Refines
		if ref == "" || !strings.HasPrefix(ref, "#") {
			continue
		}
		id := ref[1:]
		m[id] = append(m[id], meta)
	}
	return m
}

// findRefine looks up a single refining property value for the given element ID.
func findRefine(refinesMap map[string][]opfMeta, id, property string) (string, bool) {
	for _, m := range refinesMap[id] {
		if m.Property == property {
			v := strings.TrimSpace(m.Value)
			if v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// extractTitles extracts titles from dc:title elements.
// For version 3, titles are ordered by display-seq from refines metadata.
func extractTitles(titles []opfDCElement, refinesMap map[string][]opfMeta) []string {
	if len(titles) == 0 {
		return nil
	}

	type titleEntry struct {
		value string
		seq   int
		index int // original order
	}

	entries := make([]titleEntry, 0, len(titles))
	hasSeq := false

	for i, t := range titles {
		v := strings.TrimSpace(t.Value)
		if v == "" {
			continue
		}
		e := titleEntry{value: v, seq: 0, index: i}
		if t.ID != "" {
			if seqStr, ok := findRefine(refinesMap, t.ID, "display-seq"); ok {
				if n, err := strconv.Atoi(seqStr); err == nil {
					e.seq = n
					hasSeq = true
				}
			}
		}
		entries = append(entries, e)
	}

	// Sort by display-seq if any title has one; otherwise preserve original order.
	if hasSeq {
		sort.SliceStable(entries, func(i, j int) bool {
			// Titles without seq (0) go after titles with seq.
			si, sj := entries[i].seq, entries[j].seq
			if si == 0 && sj == 0 {
				return entries[i].index < entries[j].index
			}
			if si == 0 {
				return false
			}
			if sj == 0 {
				return true
			}
			return si < sj
		})
	}

	result := make([]string, len(entries))
	for i, e := range entries {
		result[i] = e.value
	}
	return result
}

// extractAuthors extracts author information from dc:creator elements.
// Version 2 uses opf:file-as and opf:role attributes directly on the element;
// version 3 uses <meta refines="..."> elements to express file-as and role.
func extractAuthors(creators []opfDCElement, refinesMap map[string][]opfMeta) []Author {
	if len(creators) == 0 {
		return nil
	}

	authors := make([]Author, 0, len(creators))
	for _, c := range creators {
		name := strings.TrimSpace(c.Value)
		if name == "" {
			continue
		}

		a := Author{
			Name:   name,
			FileAs: c.FileAs,
			Role:   c.Role,
		}

		if c.ID != "" {
			if a.FileAs == "" {
				if fa, ok := findRefine(refinesMap, c.ID, "file-as"); ok {
					a.FileAs = fa
				}
			}
			if a.Role == "" {
				if r, ok := findRefine(refinesMap, c.ID, "role"); ok {
					a.Role = r
				}
			}
		}

		authors = append(authors, a)
	}
	return authors
}

// defaultLanguage is added when an OPF declares no dc:language at all.
const defaultLanguage = "zh-CN"

// metadataNormalize canonicalizes descriptive metadata in the OPF:
// whitespace is trimmed and collapsed, empty Dublin Core elements are
// dropped, duplicate subjects and identifiers are removed, and a
// dc:language element is added when none exists.
type metadataNormalize struct{}

func newMetadataNormalize(cfg *Config, spec FilterSpec) (Filter, error) {
	return &metadataNormalize{}, nil
}

func (f *metadataNormalize) Name() string { return FilterMetadataNormalize }

func (f *metadataNormalize) Apply(ctx context.Context, pkg *Package) error {
	doc, err := pkg.Cache().ReadXML(pkg.OPFPath())
	if err != nil {
		return err
	}
	root := doc.Root()
	meta := root.SelectElement("metadata")
	if meta == nil {
		return nil
	}

	seenSubjects := make(map[string]bool)
	seenIdentifiers := make(map[string]bool)
	hasLanguage := false

	children := append([]*etree.Element(nil), meta.ChildElements()...)
	for _, el := range children {
		if el.Space != "dc" {
			continue
		}
		text := collapseSpace(el.Text())
		if text == "" {
			meta.RemoveChild(el)
			continue
		}
		el.SetText(text)

		switch el.Tag {
		case "language":
			hasLanguage = true
		case "subject":
			if seenSubjects[text] {
				meta.RemoveChild(el)
				continue
			}
			seenSubjects[text] = true
		case "identifier":
			key := el.SelectAttrValue("opf:scheme", "") + "\x00" + text
			if seenIdentifiers[key] {
				// The unique-identifier target must survive deduplication.
				if el.SelectAttrValue("id", "") != root.SelectAttrValue("unique-identifier", "") {
					meta.RemoveChild(el)
					continue
				}
			}
			seenIdentifiers[key] = true
		}
	}

	if !hasLanguage {
		lang := meta.CreateElement("dc:language")
		lang.SetText(defaultLanguage)
	}

	if err := pkg.Cache().WriteXML(pkg.OPFPath(), doc, ModePackage); err != nil {
		return err
	}
	return pkg.reloadOPF()
}

// collapseSpace trims s and collapses internal whitespace runs to single
// spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
