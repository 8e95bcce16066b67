package epubpipe

import (
	"context"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// structuralRepair fixes structural defects that make a package unreadable
// downstream: a missing or wrong mimetype entry, a missing container
// descriptor, manifest items pointing at missing entries, spine references
// to missing manifest items, and content files the manifest never listed.
type structuralRepair struct{}

func newStructuralRepair(cfg *Config, spec FilterSpec) (Filter, error) {
	return &structuralRepair{}, nil
}

func (f *structuralRepair) Name() string { return FilterStructuralRepair }

func (f *structuralRepair) Apply(ctx context.Context, pkg *Package) error {
	store := pkg.Store()

	// Required well-known entries.
	if data, err := store.Get(mimetypePath); err != nil || string(data) != expectedMimetype {
		if err := store.Put(mimetypePath, []byte(expectedMimetype)); err != nil {
			return err
		}
	}
	if !store.Exists(containerPath) {
		if err := store.Put(containerPath, containerDocument(pkg.OPFPath())); err != nil {
			return err
		}
	}

	doc, err := pkg.Cache().ReadXML(pkg.OPFPath())
	if err != nil {
		return err
	}
	root := doc.Root()
	manifest := root.SelectElement("manifest")
	if manifest == nil {
		manifest = root.CreateElement("manifest")
	}

	// Drop manifest items whose target entry is gone; collect live ids and
	// hrefs while at it.
	liveIDs := make(map[string]bool)
	listed := make(map[string]bool)
	items := append([]*etree.Element(nil), manifest.ChildElements()...)
	for _, item := range items {
		if item.Tag != "item" {
			continue
		}
		href := item.SelectAttrValue("href", "")
		resolved := pkg.ResolvePath(href)
		if resolved == "" || !store.Exists(resolved) {
			manifest.RemoveChild(item)
			continue
		}
		if item.SelectAttrValue("media-type", "") == "" {
			item.CreateAttr("media-type", mediaTypeFor(resolved))
		}
		if id := item.SelectAttrValue("id", ""); id != "" {
			liveIDs[id] = true
		}
		listed[resolved] = true
	}

	// Register content files the manifest never listed.
	genIndex := 1
	for _, name := range store.List() {
		if listed[name] || name == mimetypePath || name == pkg.OPFPath() {
			continue
		}
		if isReservedPath(name) {
			continue
		}
		if !isMarkupPath(name) && !isStylePath(name) && !isFontPath(name) && !isImagePath(name) {
			continue
		}
		id := fmt.Sprintf("item-gen-%d", genIndex)
		for liveIDs[id] {
			genIndex++
			id = fmt.Sprintf("item-gen-%d", genIndex)
		}
		genIndex++
		liveIDs[id] = true

		item := manifest.CreateElement("item")
		item.CreateAttr("id", id)
		item.CreateAttr("href", pkg.RelHref(name))
		item.CreateAttr("media-type", mediaTypeFor(name))
	}

	// Drop spine references to missing manifest items.
	if spine := root.SelectElement("spine"); spine != nil {
		refs := append([]*etree.Element(nil), spine.ChildElements()...)
		for _, ref := range refs {
			if ref.Tag != "itemref" {
				continue
			}
			if !liveIDs[ref.SelectAttrValue("idref", "")] {
				spine.RemoveChild(ref)
			}
		}
	}

	if err := pkg.Cache().WriteXML(pkg.OPFPath(), doc, ModePackage); err != nil {
		return err
	}
	return pkg.reloadOPF()
}

// isReservedPath reports whether name lives in the reserved container
// area and must never appear in the manifest.
func isReservedPath(name string) bool {
	return strings.HasPrefix(name, "META-INF/")
}
