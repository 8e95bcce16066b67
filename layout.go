package epubpipe

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/beevik/etree"
)

// trackingClass is the class carried by every tracking span.
const trackingClass = "koboSpan"

// footnoteClass is the class carried by restructured footnote anchors.
const footnoteClass = "duokan-footnote"

// paragraphTags are the elements whose direct text runs get tracking spans.
var paragraphTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true,
}

// layoutTransform adapts every markup document for a reading platform:
// eligible inline text runs are wrapped in tracking spans carrying
// kobo.<paragraph>.<sentence> identifiers, footnote references are
// restructured into anchor/aside pairs with A_n/B_n identifiers, and a
// font declaration sheet is synthesized for the font families the package
// references. The identifier scheme is platform-invariant; platforms
// differ only in footnote classes, vendor metadata, and icon emission.
type layoutTransform struct {
	platform string
}

func newLayoutTransform(cfg *Config, spec FilterSpec) (Filter, error) {
	platform := cfg.Platform
	if p, ok := spec.Options["platform"]; ok {
		platform = p
	}
	switch platform {
	case PlatformGeneric, PlatformDuokan, PlatformZhangyue, PlatformKindle:
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	return &layoutTransform{platform: platform}, nil
}

func (f *layoutTransform) Name() string { return FilterLayout }

func (f *layoutTransform) Apply(ctx context.Context, pkg *Package) error {
	navPath := ""
	if item := pkg.navManifestItem(); item != nil {
		navPath = pkg.ResolvePath(item.Href)
	}

	for _, name := range pkg.SpinePaths() {
		if name == navPath || !isMarkupPath(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.transformDocument(pkg, name); err != nil {
			return fmt.Errorf("transform %s: %w", name, err)
		}
	}

	if err := synthesizeFontSheet(pkg); err != nil {
		return err
	}

	if f.platform == PlatformDuokan {
		if err := f.addVendorMetadata(pkg); err != nil {
			return err
		}
	}
	return nil
}

// transformDocument rewrites one markup document: footnotes first (so
// the note anchors get their own tracking spans), then the span pass.
func (f *layoutTransform) transformDocument(pkg *Package, name string) error {
	doc, err := pkg.Cache().ReadXML(name)
	if err != nil {
		return err
	}
	body := doc.Root().SelectElement("body")
	if body == nil {
		return nil
	}

	notes := &footnoteState{platform: f.platform}
	notes.restructure(body)

	spans := &spanTracker{}
	spans.walk(body)

	return pkg.Cache().WriteXML(name, doc, ModeMarkup)
}

// spanTracker wraps direct text runs of paragraph elements in tracking
// spans. Identifiers are kobo.<paragraph>.<sentence>: the paragraph index
// starts at 1 per document and increments at every paragraph element
// containing at least one eligible run; the sentence index restarts at 1
// inside each paragraph. Identifiers are strictly increasing within a
// document and never reused.
type spanTracker struct {
	paragraph int
}

func (t *spanTracker) walk(el *etree.Element) {
	if paragraphTags[el.Tag] {
		t.wrapParagraph(el)
		return
	}
	for _, child := range el.ChildElements() {
		t.walk(child)
	}
}

func (t *spanTracker) wrapParagraph(p *etree.Element) {
	if hasTrackingSpan(p) {
		return
	}

	sentence := 0
	children := append([]etree.Token(nil), p.Child...)
	index := 0
	for _, tok := range children {
		cd, ok := tok.(*etree.CharData)
		if !ok || strings.TrimSpace(cd.Data) == "" {
			index++
			continue
		}

		text := cd.Data
		p.RemoveChildAt(index)
		for _, part := range splitSentences(text) {
			if strings.TrimSpace(part) == "" {
				span := etree.NewText(part)
				p.InsertChildAt(index, span)
				index++
				continue
			}
			if sentence == 0 {
				t.paragraph++
			}
			sentence++
			span := etree.NewElement("span")
			span.CreateAttr("class", trackingClass)
			span.CreateAttr("id", fmt.Sprintf("kobo.%d.%d", t.paragraph, sentence))
			span.SetText(part)
			p.InsertChildAt(index, span)
			index++
		}
	}
}

// hasTrackingSpan reports whether p already carries tracking spans, which
// makes the pass idempotent per paragraph.
func hasTrackingSpan(p *etree.Element) bool {
	for _, span := range p.SelectElements("span") {
		for _, cls := range strings.Fields(span.SelectAttrValue("class", "")) {
			if cls == trackingClass {
				return true
			}
		}
	}
	return false
}

// sentenceTerminators end a sentence; the terminator stays with its
// sentence. Covers ASCII and CJK sentence punctuation.
var sentenceTerminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '…': true,
}

// closingQuotes may trail a terminator and stay attached to the sentence.
var closingQuotes = map[rune]bool{
	'"': true, '\'': true, '」': true, '』': true, '”': true, '’': true, ')': true, '）': true,
}

// splitSentences splits text into sentence runs, keeping terminators and
// trailing quotes attached. Whitespace between sentences stays attached
// to the preceding run so the concatenation round-trips exactly.
func splitSentences(text string) []string {
	var parts []string
	runes := []rune(text)
	start := 0
	i := 0
	for i < len(runes) {
		if sentenceTerminators[runes[i]] {
			// Absorb consecutive terminators and closing quotes.
			i++
			for i < len(runes) && (sentenceTerminators[runes[i]] || closingQuotes[runes[i]]) {
				i++
			}
			// Absorb trailing whitespace.
			for i < len(runes) && unicode.IsSpace(runes[i]) {
				i++
			}
			parts = append(parts, string(runes[start:i]))
			start = i
			continue
		}
		i++
	}
	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

// footnoteState restructures footnote reference sites into anchor/aside
// pairs. The anchor gets id A_n and points at #B_n; the matching aside
// gets id B_n. n is sequential per document starting at 1.
type footnoteState struct {
	platform string
	counter  int

	// originalToNew maps the document's original aside ids to B_n ids.
	originalToNew map[string]string
}

func (s *footnoteState) restructure(body *etree.Element) {
	s.originalToNew = make(map[string]string)
	s.rewriteRefs(body)
	s.rewriteAsides(body)
}

func (s *footnoteState) rewriteRefs(el *etree.Element) {
	for _, child := range el.ChildElements() {
		s.rewriteRefs(child)
	}
	if el.Tag != "a" || !elementHasEpubType(el, "noteref") {
		return
	}
	href := el.SelectAttrValue("href", "")
	if !strings.HasPrefix(href, "#") {
		return
	}
	originalID := href[1:]

	s.counter++
	noteID := fmt.Sprintf("B_%d", s.counter)
	anchorID := fmt.Sprintf("A_%d", s.counter)
	s.originalToNew[originalID] = noteID

	el.CreateAttr("id", anchorID)
	el.CreateAttr("href", "#"+noteID)
	el.CreateAttr("class", footnoteClass)

	// Replace the reference content with the platform's marker.
	for len(el.Child) > 0 {
		el.RemoveChildAt(0)
	}
	switch s.platform {
	case PlatformDuokan:
		icon := el.CreateElement("span")
		icon.CreateAttr("class", footnoteClass+"-icon")
		icon.SetText("注")
	default:
		sup := el.CreateElement("sup")
		sup.SetText(fmt.Sprintf("%d", s.counter))
	}
}

func (s *footnoteState) rewriteAsides(el *etree.Element) {
	for _, child := range el.ChildElements() {
		s.rewriteAsides(child)
	}
	if el.Tag != "aside" || !elementHasEpubType(el, "footnote") {
		return
	}
	originalID := el.SelectAttrValue("id", "")
	newID, ok := s.originalToNew[originalID]
	if !ok {
		return
	}
	el.CreateAttr("id", newID)
	el.CreateAttr("class", footnoteClass+"-content")
}

// elementHasEpubType checks the epub:type attribute for a space-separated
// token.
func elementHasEpubType(el *etree.Element, token string) bool {
	for _, t := range strings.Fields(el.SelectAttrValue("epub:type", "")) {
		if t == token {
			return true
		}
	}
	return false
}

// addVendorMetadata installs the duokan book identifier the vendor's
// reader keys on, cloning the package's first identifier value.
func (f *layoutTransform) addVendorMetadata(pkg *Package) error {
	doc, err := pkg.Cache().ReadXML(pkg.OPFPath())
	if err != nil {
		return err
	}
	meta := doc.Root().SelectElement("metadata")
	if meta == nil {
		return nil
	}
	for _, el := range meta.ChildElements() {
		if el.Space == "dc" && el.Tag == "identifier" && el.SelectAttrValue("id", "") == "duokan-book-id" {
			return nil
		}
	}
	value := ""
	if ids := pkg.Metadata().Identifiers; len(ids) > 0 {
		value = ids[0].Value
	}
	ident := meta.CreateElement("dc:identifier")
	ident.CreateAttr("id", "duokan-book-id")
	ident.SetText(value)

	if err := pkg.Cache().WriteXML(pkg.OPFPath(), doc, ModePackage); err != nil {
		return err
	}
	return pkg.reloadOPF()
}
