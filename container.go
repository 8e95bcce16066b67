package epubpipe

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// containerPath is the well-known location of container.xml in a package.
const containerPath = "META-INF/container.xml"

// containerXML models the META-INF/container.xml file used to locate the OPF.
type containerXML struct {
	XMLName   xml.Name   `xml:"container"`
	RootFiles []rootFile `xml:"rootfiles>rootfile"`
}

// rootFile represents a single <rootfile> element inside container.xml.
type rootFile struct {
	FullPath  string `xml:"full-path,attr"`
	MediaType string `xml:"media-type,attr"`
}

// findOPFPath locates the OPF path for the package held by store.
//
// It first tries META-INF/container.xml. If the file is missing or unusable,
// it falls back to scanning all entries for a ".opf" file. Returns a wrapped
// ErrCorruptArchive if no OPF path can be determined.
func findOPFPath(store Store) (string, error) {
	if store.Exists(containerPath) {
		data, err := store.Get(containerPath)
		if err == nil {
			if p, err := parseContainerXML(data); err == nil {
				return p, nil
			}
		}
	}

	// Fallback: scan for .opf entries.
	for _, name := range store.List() {
		if strings.HasSuffix(strings.ToLower(name), ".opf") {
			return name, nil
		}
	}
	return "", fmt.Errorf("epubpipe: no OPF file found in package: %w", ErrCorruptArchive)
}

// parseContainerXML decodes container.xml data and returns the full-path of
// the first usable rootfile.
func parseContainerXML(data []byte) (string, error) {
	data = stripBOM(data)

	var c containerXML
	if err := xml.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("epubpipe: parse container.xml: %w", err)
	}

	var fallbackPath string
	for _, rf := range c.RootFiles {
		fullPath := strings.TrimSpace(rf.FullPath)
		if fullPath == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(rf.MediaType), "application/oebps-package+xml") {
			return fullPath, nil
		}
		if fallbackPath == "" {
			fallbackPath = fullPath
		}
	}

	if fallbackPath == "" {
		return "", fmt.Errorf("epubpipe: container.xml has no usable rootfile: %w", ErrCorruptArchive)
	}
	return fallbackPath, nil
}

// containerDocument renders a minimal container.xml pointing at opfPath.
// Used by structural repair when the descriptor is missing.
func containerDocument(opfPath string) []byte {
	return []byte(`<?xml version="1.0" encoding="utf-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="` + opfPath + `" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`)
}
