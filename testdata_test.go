package epubpipe

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

// buildTestArchive creates an in-memory ZIP archive from the provided
// files map (path → content) and returns its bytes. The mimetype entry,
// if present, is written first and stored uncompressed as the container
// format requires. It calls t.Fatal on any error.
func buildTestArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	if mt, ok := files["mimetype"]; ok {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
		if err != nil {
			t.Fatalf("buildTestArchive: create mimetype: %v", err)
		}
		if _, err := io.WriteString(fw, mt); err != nil {
			t.Fatalf("buildTestArchive: write mimetype: %v", err)
		}
	}
	for name, content := range files {
		if name == "mimetype" {
			continue
		}
		fw, err := zw.Create(name)
		if err != nil {
			t.Fatalf("buildTestArchive: create %s: %v", name, err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("buildTestArchive: write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("buildTestArchive: close writer: %v", err)
	}
	return buf.Bytes()
}

// openTestStore builds an archive from files and opens an ArchiveStore
// over it.
func openTestStore(t *testing.T, files map[string]string) *ArchiveStore {
	t.Helper()
	store, err := OpenArchive(buildTestArchive(t, files))
	if err != nil {
		t.Fatalf("openTestStore: %v", err)
	}
	return store
}

// openTestPackage builds an archive from files and opens a Package over it.
func openTestPackage(t *testing.T, files map[string]string) *Package {
	t.Helper()
	pkg, err := Open(buildTestArchive(t, files))
	if err != nil {
		t.Fatalf("openTestPackage: %v", err)
	}
	return pkg
}

// minimalV2Files returns a complete minimal version 2 package: container
// descriptor, OPF, NCX, two chapters, and a style sheet.
func minimalV2Files() map[string]string {
	return map[string]string{
		"mimetype": "application/epub+zip",
		"META-INF/container.xml": `<?xml version="1.0" encoding="utf-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`,
		"OEBPS/content.opf": `<?xml version="1.0" encoding="utf-8"?>
<package xmlns="http://www.idpf.org/2007/opf" xmlns:dc="http://purl.org/dc/elements/1.1/" version="2.0" unique-identifier="bookid">
  <metadata>
    <dc:title>Test Book</dc:title>
    <dc:creator opf:role="aut" xmlns:opf="http://www.idpf.org/2007/opf">Test Author</dc:creator>
    <dc:language>en</dc:language>
    <dc:identifier id="bookid">urn:uuid:12345678-1234-1234-1234-123456789012</dc:identifier>
  </metadata>
  <manifest>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="ch1" href="Text/chapter1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="Text/chapter2.xhtml" media-type="application/xhtml+xml"/>
    <item id="css" href="Styles/main.css" media-type="text/css"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`,
		"OEBPS/toc.ncx": `<?xml version="1.0" encoding="utf-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap>
    <navPoint id="np1" playOrder="1">
      <navLabel><text>Chapter One</text></navLabel>
      <content src="Text/chapter1.xhtml"/>
    </navPoint>
    <navPoint id="np2" playOrder="2">
      <navLabel><text>Chapter Two</text></navLabel>
      <content src="Text/chapter2.xhtml"/>
    </navPoint>
  </navMap>
</ncx>`,
		"OEBPS/Text/chapter1.xhtml": `<?xml version="1.0" encoding="utf-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Chapter One</title></head>
<body>
  <h1>Chapter One</h1>
  <p class="body-text">First sentence. Second sentence here.</p>
  <p class="body-text">Another paragraph.</p>
</body>
</html>`,
		"OEBPS/Text/chapter2.xhtml": `<?xml version="1.0" encoding="utf-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Chapter Two</title></head>
<body>
  <h1>Chapter Two</h1>
  <p class="body-text">Content of chapter two.</p>
</body>
</html>`,
		"OEBPS/Styles/main.css": `.body-text { margin: 0; }
.unused-class { color: red; }
h1 { font-size: 1.5em; }`,
	}
}
