package epubpipe

import (
	"context"
	"strings"

	"github.com/beevik/etree"
)

// privacyScrubPaths are the vendor reader-state entries removed by the
// privacy-scrub filter: reading positions, bookmarks, and store litter
// that identifies the previous owner or toolchain.
var privacyScrubPaths = []string{
	"META-INF/calibre_bookmarks.txt",
	"META-INF/com.apple.ibooks.display-options.xml",
	"iTunesMetadata.plist",
	"iTunesArtwork",
}

// privacyScrubBasenames match anywhere in the tree.
var privacyScrubBasenames = map[string]bool{
	"Thumbs.db":   true,
	".DS_Store":   true,
	"desktop.ini": true,
}

// privacyMetaNames are OPF <meta name="..."> entries dropped by the scrub:
// toolchain fingerprints and per-user reading state.
var privacyMetaNames = []string{
	"calibre:",
	"Sigil ",
	"sigil ",
	"created",
	"book-id",
}

// privacyScrub removes reader-state entries at known vendor paths and
// toolchain fingerprints from the OPF. Content entries are never touched.
type privacyScrub struct{}

func newPrivacyScrub(cfg *Config, spec FilterSpec) (Filter, error) {
	return &privacyScrub{}, nil
}

func (f *privacyScrub) Name() string { return FilterPrivacyScrub }

func (f *privacyScrub) Apply(ctx context.Context, pkg *Package) error {
	store := pkg.Store()

	for _, p := range privacyScrubPaths {
		if err := store.Delete(p); err != nil {
			return err
		}
	}
	for _, name := range store.List() {
		base := name
		if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
			base = name[idx+1:]
		}
		if privacyScrubBasenames[base] {
			if err := store.Delete(name); err != nil {
				return err
			}
		}
	}

	doc, err := pkg.Cache().ReadXML(pkg.OPFPath())
	if err != nil {
		return err
	}
	root := doc.Root()
	meta := root.SelectElement("metadata")
	if meta == nil {
		return nil
	}

	changed := false
	children := append([]*etree.Element(nil), meta.ChildElements()...)
	for _, el := range children {
		if el.Tag != "meta" {
			continue
		}
		name := el.SelectAttrValue("name", "")
		if name == "" {
			continue
		}
		for _, prefix := range privacyMetaNames {
			if strings.HasPrefix(name, prefix) {
				meta.RemoveChild(el)
				changed = true
				break
			}
		}
	}

	if !changed {
		return nil
	}
	if err := pkg.Cache().WriteXML(pkg.OPFPath(), doc, ModePackage); err != nil {
		return err
	}
	return pkg.reloadOPF()
}
