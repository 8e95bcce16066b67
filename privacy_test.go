package epubpipe

import (
	"context"
	"strings"
	"testing"
)

func TestPrivacyScrubRemovesVendorEntries(t *testing.T) {
	files := minimalV2Files()
	files["META-INF/calibre_bookmarks.txt"] = "last-read-position"
	files["iTunesMetadata.plist"] = "<plist/>"
	files["OEBPS/Text/Thumbs.db"] = "thumbnail cache"
	files["OEBPS/.DS_Store"] = "finder litter"
	pkg := openTestPackage(t, files)

	f, _ := newPrivacyScrub(nil, FilterSpec{})
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	for _, p := range []string{
		"META-INF/calibre_bookmarks.txt",
		"iTunesMetadata.plist",
		"OEBPS/Text/Thumbs.db",
		"OEBPS/.DS_Store",
	} {
		if pkg.Store().Exists(p) {
			t.Errorf("%s survived the scrub", p)
		}
	}
	// Content stays.
	if !pkg.Store().Exists("OEBPS/Text/chapter1.xhtml") {
		t.Error("content entry removed by the scrub")
	}
}

func TestPrivacyScrubRemovesToolchainMetas(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		"<dc:language>en</dc:language>",
		`<dc:language>en</dc:language>
    <meta name="calibre:timestamp" content="2020-01-01T00:00:00+00:00"/>
    <meta name="Sigil version" content="1.9.0"/>
    <meta name="cover" content="css"/>`, 1)
	pkg := openTestPackage(t, files)

	f, _ := newPrivacyScrub(nil, FilterSpec{})
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, _ := pkg.Store().Get("OEBPS/content.opf")
	opf := string(data)
	if strings.Contains(opf, "calibre:timestamp") {
		t.Error("calibre meta survived the scrub")
	}
	if strings.Contains(opf, "Sigil version") {
		t.Error("Sigil meta survived the scrub")
	}
	if !strings.Contains(opf, `name="cover"`) {
		t.Error("unrelated meta was removed")
	}
}

func TestPrivacyScrubNoopLeavesOPFUntouched(t *testing.T) {
	pkg := openTestPackage(t, minimalV2Files())
	before, _ := pkg.Store().Get("OEBPS/content.opf")

	f, _ := newPrivacyScrub(nil, FilterSpec{})
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatal(err)
	}

	after, _ := pkg.Store().Get("OEBPS/content.opf")
	if string(before) != string(after) {
		t.Error("scrub with nothing to remove rewrote the OPF")
	}
}
