package epubpipe

import (
	"path"
	"sort"
	"strings"
)

// fontSheetHref is the synthesized font declaration sheet, relative to
// the OPF directory.
const fontSheetHref = "Styles/fonts.css"

// cjkFallbacks maps the conventional CJK family classes to their ordered
// local-face fallback lists. Each declaration tries the embedded font
// first, then the reader-local faces in order.
var cjkFallbacks = map[string][]string{
	"st": {
		"st", "宋体", "DK-SONGTI", "STSongti", "STSong",
		"Song S", "Songti", "Songti SC", "Songti TC",
	},
	"kt": {
		"kt", "楷体", "方正楷体", "方正楷体_GBK", "方正新楷体_GBK",
		"DK-KAITI", "STKaiti", "STKai", "MKai PRC",
		"Kaiti", "Kaiti SC", "Kaiti TC",
	},
	"ht": {
		"ht", "DK-XIHEITI", "黑体", "微软雅黑", "STHeiti", "STHei",
		"MYing Hei S", "Heiti", "Heiti SC", "Heiti TC",
	},
	"fs": {
		"fs", "DK-FANGSONG", "仿宋", "方正仿宋", "方正仿宋_GBK",
		"STKaiti", "STKai", "MKai PRC",
		"Kaiti", "Kaiti SC", "Kaiti TC",
	},
}

// synthesizeFontSheet scans the package for referenced font families,
// renders a font declaration sheet for them, registers it in the
// manifest, and links it from every spine document. With no referenced
// families the package is left untouched.
func synthesizeFontSheet(pkg *Package) error {
	store := pkg.Store()

	families := make(map[string]bool)
	for _, name := range store.List() {
		if !isStylePath(name) && !isMarkupPath(name) {
			continue
		}
		data, err := store.Get(name)
		if err != nil {
			return err
		}
		scanFontFamilies(data, families)
	}
	if len(families) == 0 {
		return nil
	}

	fonts := embeddedFonts(pkg)
	sheet := renderFontSheet(families, fonts)
	if sheet == "" {
		return nil
	}

	sheetPath := pkg.ResolvePath(fontSheetHref)
	if sheetPath == "" {
		sheetPath = fontSheetHref
	}
	if err := pkg.Cache().PutBytes(sheetPath, []byte(sheet)); err != nil {
		return err
	}

	if err := registerFontSheet(pkg, sheetPath); err != nil {
		return err
	}
	return linkFontSheet(pkg, sheetPath)
}

// embeddedFonts maps lower-cased font base names (without extension) to
// their store paths.
func embeddedFonts(pkg *Package) map[string]string {
	fonts := make(map[string]string)
	for _, name := range pkg.Store().List() {
		if !isFontPath(name) {
			continue
		}
		base := path.Base(name)
		base = strings.TrimSuffix(base, path.Ext(base))
		fonts[strings.ToLower(base)] = name
	}
	return fonts
}

// renderFontSheet renders one @font-face declaration per referenced
// family that is either a known CJK class or matches an embedded font
// file. Families are emitted in sorted order for a deterministic sheet.
func renderFontSheet(families map[string]bool, fonts map[string]string) string {
	names := make([]string, 0, len(families))
	for f := range families {
		names = append(names, f)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, family := range names {
		key := strings.ToLower(family)
		locals, known := cjkFallbacks[key]
		fontPath, embedded := fonts[key]
		if !known && !embedded {
			continue
		}
		if !known {
			locals = []string{family}
		}

		sb.WriteString("@font-face {\n")
		sb.WriteString("  font-family: \"" + family + "\";\n")
		sb.WriteString("  src: ")
		var srcs []string
		if embedded {
			// The sheet lives in Styles/, fonts conventionally above it.
			srcs = append(srcs, `url("../`+path.Base(path.Dir(fontPath))+`/`+path.Base(fontPath)+`")`)
		}
		for _, l := range locals {
			srcs = append(srcs, `local("`+l+`")`)
		}
		sb.WriteString(strings.Join(srcs, ",\n       "))
		sb.WriteString(";\n}\n")
	}
	return sb.String()
}

// registerFontSheet adds the sheet to the manifest if it is not already
// listed.
func registerFontSheet(pkg *Package, sheetPath string) error {
	doc, err := pkg.Cache().ReadXML(pkg.OPFPath())
	if err != nil {
		return err
	}
	root := doc.Root()
	manifest := root.SelectElement("manifest")
	if manifest == nil {
		manifest = root.CreateElement("manifest")
	}

	href := pkg.RelHref(sheetPath)
	for _, item := range manifest.SelectElements("item") {
		if item.SelectAttrValue("href", "") == href {
			return nil
		}
	}
	item := manifest.CreateElement("item")
	item.CreateAttr("id", "font-sheet")
	item.CreateAttr("href", href)
	item.CreateAttr("media-type", "text/css")

	if err := pkg.Cache().WriteXML(pkg.OPFPath(), doc, ModePackage); err != nil {
		return err
	}
	return pkg.reloadOPF()
}

// linkFontSheet adds a stylesheet link to every spine document that does
// not already reference the sheet.
func linkFontSheet(pkg *Package, sheetPath string) error {
	for _, name := range pkg.SpinePaths() {
		if !isMarkupPath(name) {
			continue
		}
		doc, err := pkg.Cache().ReadXML(name)
		if err != nil {
			return err
		}
		head := doc.Root().SelectElement("head")
		if head == nil {
			head = doc.Root().CreateElement("head")
		}

		href := relativeHref(name, sheetPath)
		linked := false
		for _, link := range head.SelectElements("link") {
			if link.SelectAttrValue("href", "") == href {
				linked = true
				break
			}
		}
		if linked {
			continue
		}
		link := head.CreateElement("link")
		link.CreateAttr("href", href)
		link.CreateAttr("rel", "stylesheet")
		link.CreateAttr("type", "text/css")

		if err := pkg.Cache().WriteXML(name, doc, ModeMarkup); err != nil {
			return err
		}
	}
	return nil
}
