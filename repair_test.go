package epubpipe

import (
	"context"
	"strings"
	"testing"
)

func applyStructuralRepair(t *testing.T, pkg *Package) {
	t.Helper()
	f, err := newStructuralRepair(nil, FilterSpec{Name: FilterStructuralRepair})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatalf("structural repair: %v", err)
	}
}

func TestRepairFixesMimetype(t *testing.T) {
	files := minimalV2Files()
	files["mimetype"] = "text/plain"
	pkg := openTestPackage(t, files)

	applyStructuralRepair(t, pkg)

	data, err := pkg.Store().Get("mimetype")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "application/epub+zip" {
		t.Errorf("mimetype = %q after repair", data)
	}
}

func TestRepairSynthesizesContainer(t *testing.T) {
	files := minimalV2Files()
	delete(files, "META-INF/container.xml")
	pkg := openTestPackage(t, files)

	applyStructuralRepair(t, pkg)

	data, err := pkg.Store().Get("META-INF/container.xml")
	if err != nil {
		t.Fatalf("container.xml missing after repair: %v", err)
	}
	opfPath, err := parseContainerXML(data)
	if err != nil {
		t.Fatalf("synthesized container.xml unparseable: %v", err)
	}
	if opfPath != "OEBPS/content.opf" {
		t.Errorf("container full-path = %q", opfPath)
	}
}

func TestRepairDropsDeadManifestItems(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		`<item id="css" href="Styles/main.css" media-type="text/css"/>`,
		`<item id="css" href="Styles/main.css" media-type="text/css"/>
    <item id="ghost" href="Text/ghost.xhtml" media-type="application/xhtml+xml"/>`, 1)
	pkg := openTestPackage(t, files)

	applyStructuralRepair(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/content.opf")
	if strings.Contains(string(data), "ghost.xhtml") {
		t.Error("manifest item with missing target survived repair")
	}
}

func TestRepairDropsDeadSpineRefs(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		`<itemref idref="ch2"/>`,
		`<itemref idref="ch2"/>
    <itemref idref="nonexistent"/>`, 1)
	pkg := openTestPackage(t, files)

	applyStructuralRepair(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/content.opf")
	if strings.Contains(string(data), "nonexistent") {
		t.Error("spine reference to missing manifest item survived repair")
	}
	if len(pkg.SpinePaths()) != 2 {
		t.Errorf("SpinePaths = %v", pkg.SpinePaths())
	}
}

func TestRepairRegistersUnlistedContent(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/Images/cover.jpg"] = "\xFF\xD8\xFF\xE0 not a real jpeg"
	files["OEBPS/notes.txt"] = "plain text, not content"
	pkg := openTestPackage(t, files)

	applyStructuralRepair(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/content.opf")
	opf := string(data)
	if !strings.Contains(opf, `href="Images/cover.jpg"`) {
		t.Error("unlisted image not registered in manifest")
	}
	if !strings.Contains(opf, `id="item-gen-1"`) {
		t.Error("generated manifest id missing")
	}
	if !strings.Contains(opf, `media-type="image/jpeg"`) {
		t.Error("registered item lacks its media type")
	}
	if strings.Contains(opf, "notes.txt") {
		t.Error("non-content file was registered in the manifest")
	}
}

func TestRepairFillsMissingMediaType(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		`<item id="css" href="Styles/main.css" media-type="text/css"/>`,
		`<item id="css" href="Styles/main.css"/>`, 1)
	pkg := openTestPackage(t, files)

	applyStructuralRepair(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/content.opf")
	if !strings.Contains(string(data), `media-type="text/css"`) {
		t.Error("missing media-type not filled in")
	}
}

func TestRepairSkipsReservedArea(t *testing.T) {
	files := minimalV2Files()
	files["META-INF/extra.css"] = "body { }"
	pkg := openTestPackage(t, files)

	applyStructuralRepair(t, pkg)

	data, _ := pkg.Store().Get("OEBPS/content.opf")
	if strings.Contains(string(data), "extra.css") {
		t.Error("reserved META-INF entry registered in the manifest")
	}
}
