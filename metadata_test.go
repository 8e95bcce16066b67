package epubpipe

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

const v3MetadataOPF = `<?xml version="1.0" encoding="utf-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title id="subtitle">A Subtitle</dc:title>
    <dc:title id="main">The Main Title</dc:title>
    <dc:creator id="author">Jane Writer</dc:creator>
    <dc:identifier id="bookid">urn:uuid:aaaa-bbbb</dc:identifier>
    <dc:language>en</dc:language>
    <meta refines="#main" property="display-seq">1</meta>
    <meta refines="#subtitle" property="display-seq">2</meta>
    <meta refines="#author" property="file-as">Writer, Jane</meta>
    <meta refines="#author" property="role" scheme="marc:relators">aut</meta>
  </metadata>
  <manifest>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine>
    <itemref idref="ch1"/>
  </spine>
</package>`

func v3MetadataFiles() map[string]string {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = v3MetadataOPF
	files["OEBPS/ch1.xhtml"] = `<?xml version="1.0"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title>c</title></head><body><p>x</p></body></html>`
	delete(files, "OEBPS/toc.ncx")
	delete(files, "OEBPS/Text/chapter1.xhtml")
	delete(files, "OEBPS/Text/chapter2.xhtml")
	delete(files, "OEBPS/Styles/main.css")
	return files
}

func TestExtractMetadataDisplaySeq(t *testing.T) {
	pkg := openTestPackage(t, v3MetadataFiles())

	md := pkg.Metadata()
	want := []string{"The Main Title", "A Subtitle"}
	if !reflect.DeepEqual(md.Titles, want) {
		t.Errorf("Titles = %v, want %v (display-seq order)", md.Titles, want)
	}
}

func TestExtractMetadataRefines(t *testing.T) {
	pkg := openTestPackage(t, v3MetadataFiles())

	md := pkg.Metadata()
	if len(md.Authors) != 1 {
		t.Fatalf("Authors = %+v", md.Authors)
	}
	a := md.Authors[0]
	if a.Name != "Jane Writer" || a.FileAs != "Writer, Jane" || a.Role != "aut" {
		t.Errorf("Author = %+v", a)
	}
}

func TestMetadataNormalizeCollapsesAndDrops(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		"<dc:title>Test Book</dc:title>",
		"<dc:title>  Test \n   Book  </dc:title>\n    <dc:description>   </dc:description>", 1)
	pkg := openTestPackage(t, files)

	f, err := newMetadataNormalize(nil, FilterSpec{Name: FilterMetadataNormalize})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	md := pkg.Metadata()
	if len(md.Titles) == 0 || md.Titles[0] != "Test Book" {
		t.Errorf("Titles = %v, want collapsed %q", md.Titles, "Test Book")
	}
	data, _ := pkg.Store().Get("OEBPS/content.opf")
	if strings.Contains(string(data), "dc:description") {
		t.Error("empty dc:description survived normalization")
	}
}

func TestMetadataNormalizeDedupesSubjects(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		"<dc:language>en</dc:language>",
		`<dc:language>en</dc:language>
    <dc:subject>Fiction</dc:subject>
    <dc:subject> Fiction </dc:subject>
    <dc:subject>History</dc:subject>`, 1)
	pkg := openTestPackage(t, files)

	f, _ := newMetadataNormalize(nil, FilterSpec{})
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatal(err)
	}

	md := pkg.Metadata()
	want := []string{"Fiction", "History"}
	if !reflect.DeepEqual(md.Subjects, want) {
		t.Errorf("Subjects = %v, want %v", md.Subjects, want)
	}
}

func TestMetadataNormalizeKeepsUniqueIdentifierTarget(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		`<dc:identifier id="bookid">urn:uuid:12345678-1234-1234-1234-123456789012</dc:identifier>`,
		`<dc:identifier id="bookid">urn:uuid:12345678-1234-1234-1234-123456789012</dc:identifier>
    <dc:identifier>urn:uuid:12345678-1234-1234-1234-123456789012</dc:identifier>`, 1)
	pkg := openTestPackage(t, files)

	f, _ := newMetadataNormalize(nil, FilterSpec{})
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatal(err)
	}

	data, _ := pkg.Store().Get("OEBPS/content.opf")
	if !strings.Contains(string(data), `id="bookid"`) {
		t.Error("unique-identifier target element was removed")
	}
	if n := strings.Count(string(data), "urn:uuid:12345678"); n != 1 {
		t.Errorf("identifier appears %d times after dedupe, want 1", n)
	}
}

func TestMetadataNormalizeAddsDefaultLanguage(t *testing.T) {
	files := minimalV2Files()
	files["OEBPS/content.opf"] = strings.Replace(files["OEBPS/content.opf"],
		"<dc:language>en</dc:language>\n", "", 1)
	pkg := openTestPackage(t, files)

	f, _ := newMetadataNormalize(nil, FilterSpec{})
	if err := f.Apply(context.Background(), pkg); err != nil {
		t.Fatal(err)
	}

	md := pkg.Metadata()
	if len(md.Language) != 1 || md.Language[0] != defaultLanguage {
		t.Errorf("Language = %v, want [%s]", md.Language, defaultLanguage)
	}
}
