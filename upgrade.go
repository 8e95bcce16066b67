package epubpipe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// targetVersion is the package version the upgrade filter rewrites to.
const targetVersion = "3.0"

// versionUpgrade rewrites a version 2 package to version 3: the package
// element is restamped, creator attributes move to refines metadata, a
// dcterms:modified meta is recorded, and a nav document is synthesized
// from the NCX when the package has none. Running it on a package that is
// already version 3 or later is a no-op.
type versionUpgrade struct {
	now func() time.Time
}

func newVersionUpgrade(cfg *Config, spec FilterSpec) (Filter, error) {
	return &versionUpgrade{now: time.Now}, nil
}

func (f *versionUpgrade) Name() string { return FilterVersionUpgrade }

func (f *versionUpgrade) Apply(ctx context.Context, pkg *Package) error {
	if !versionBelow(pkg.Version(), 3) {
		return nil
	}

	doc, err := pkg.Cache().ReadXML(pkg.OPFPath())
	if err != nil {
		return err
	}
	root := doc.Root()
	root.CreateAttr("version", targetVersion)

	meta := root.SelectElement("metadata")
	if meta == nil {
		meta = root.CreateElement("metadata")
	}

	f.upgradeCreators(meta)
	f.stampModified(meta)

	if pkg.navManifestItem() == nil {
		if err := f.synthesizeNav(pkg, root); err != nil {
			return err
		}
	}

	if err := pkg.Cache().WriteXML(pkg.OPFPath(), doc, ModePackage); err != nil {
		return err
	}
	return pkg.reloadOPF()
}

// versionBelow reports whether version's major component is below major.
// Unparseable versions are treated as old.
func versionBelow(version string, major int) bool {
	version = strings.TrimSpace(version)
	if version == "" {
		return true
	}
	head := version
	if idx := strings.IndexByte(version, '.'); idx >= 0 {
		head = version[:idx]
	}
	n := 0
	for _, r := range head {
		if r < '0' || r > '9' {
			return true
		}
		n = n*10 + int(r-'0')
	}
	return n < major
}

// upgradeCreators converts version 2 opf:role and opf:file-as attributes
// on dc:creator elements into version 3 refines metadata.
func (f *versionUpgrade) upgradeCreators(meta *etree.Element) {
	creatorIndex := 0
	for _, el := range meta.ChildElements() {
		if el.Space != "dc" || el.Tag != "creator" {
			continue
		}
		creatorIndex++

		role := el.SelectAttrValue("opf:role", "")
		fileAs := el.SelectAttrValue("opf:file-as", "")
		if role == "" && fileAs == "" {
			continue
		}
		el.RemoveAttr("opf:role")
		el.RemoveAttr("opf:file-as")

		id := el.SelectAttrValue("id", "")
		if id == "" {
			id = fmt.Sprintf("creator-%d", creatorIndex)
			el.CreateAttr("id", id)
		}
		if role != "" {
			m := meta.CreateElement("meta")
			m.CreateAttr("refines", "#"+id)
			m.CreateAttr("property", "role")
			m.CreateAttr("scheme", "marc:relators")
			m.SetText(role)
		}
		if fileAs != "" {
			m := meta.CreateElement("meta")
			m.CreateAttr("refines", "#"+id)
			m.CreateAttr("property", "file-as")
			m.SetText(fileAs)
		}
	}
}

// stampModified records the dcterms:modified meta required by version 3,
// replacing any stale value.
func (f *versionUpgrade) stampModified(meta *etree.Element) {
	for _, el := range meta.SelectElements("meta") {
		if el.SelectAttrValue("property", "") == "dcterms:modified" {
			meta.RemoveChild(el)
		}
	}
	m := meta.CreateElement("meta")
	m.CreateAttr("property", "dcterms:modified")
	m.SetText(f.now().UTC().Format("2006-01-02T15:04:05Z"))
}

// synthesizeNav builds a nav document from the package's NCX and registers
// it in the manifest with the nav property. A package with no NCX gets an
// empty nav shell so the result is still a valid version 3 package.
func (f *versionUpgrade) synthesizeNav(pkg *Package, opfRoot *etree.Element) error {
	var toc []TOCItem
	if t, ok := pkg.ncxTOC(); ok {
		toc = t
	}

	navPath := pkg.ResolvePath("nav.xhtml")
	if navPath == "" || pkg.Store().Exists(navPath) {
		return nil
	}

	data := renderNavDocument(pkg, navPath, toc)
	if err := pkg.Cache().PutBytes(navPath, data); err != nil {
		return err
	}

	manifest := opfRoot.SelectElement("manifest")
	if manifest == nil {
		manifest = opfRoot.CreateElement("manifest")
	}
	id := "nav"
	for _, item := range manifest.SelectElements("item") {
		if item.SelectAttrValue("id", "") == id {
			id = "nav-doc"
			break
		}
	}
	item := manifest.CreateElement("item")
	item.CreateAttr("id", id)
	item.CreateAttr("href", "nav.xhtml")
	item.CreateAttr("properties", "nav")
	item.CreateAttr("media-type", "application/xhtml+xml")
	return nil
}

// renderNavDocument serialises a nav document holding toc as its entry
// tree. Hrefs are store paths and get rewritten relative to the nav
// document's own location.
func renderNavDocument(pkg *Package, navPath string, toc []TOCItem) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	doc.CreateDirective("DOCTYPE html")

	htmlEl := doc.CreateElement("html")
	htmlEl.CreateAttr("xmlns", "http://www.w3.org/1999/xhtml")
	htmlEl.CreateAttr("xmlns:epub", "http://www.idpf.org/2007/ops")

	head := htmlEl.CreateElement("head")
	title := head.CreateElement("title")
	if titles := pkg.Metadata().Titles; len(titles) > 0 {
		title.SetText(titles[0])
	} else {
		title.SetText("Contents")
	}

	body := htmlEl.CreateElement("body")
	nav := body.CreateElement("nav")
	nav.CreateAttr("epub:type", "toc")
	nav.CreateAttr("id", "toc")
	h1 := nav.CreateElement("h1")
	h1.SetText(title.Text())
	nav.AddChild(renderNavList(navPath, toc))

	doc.WriteSettings.CanonicalEndTags = true
	doc.Indent(2)
	data, err := doc.WriteToBytes()
	if err != nil {
		// WriteToBytes on an in-memory tree cannot fail with these settings.
		return nil
	}
	return data
}

func renderNavList(navPath string, items []TOCItem) *etree.Element {
	ol := etree.NewElement("ol")
	for _, item := range items {
		li := ol.CreateElement("li")
		if item.Href != "" {
			a := li.CreateElement("a")
			a.CreateAttr("href", relativeHref(navPath, item.Href))
			a.SetText(item.Title)
		} else {
			span := li.CreateElement("span")
			span.SetText(item.Title)
		}
		if len(item.Children) > 0 {
			li.AddChild(renderNavList(navPath, item.Children))
		}
	}
	return ol
}

// relativeHref rewrites a store path target as an href relative to the
// directory holding basePath.
func relativeHref(basePath, target string) string {
	baseDir := strings.Split(basePath, "/")
	baseDir = baseDir[:len(baseDir)-1]
	tgt := strings.Split(target, "/")

	common := 0
	for common < len(baseDir) && common < len(tgt)-1 && baseDir[common] == tgt[common] {
		common++
	}
	var sb strings.Builder
	for i := common; i < len(baseDir); i++ {
		sb.WriteString("../")
	}
	sb.WriteString(strings.Join(tgt[common:], "/"))
	return sb.String()
}
