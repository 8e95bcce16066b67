package epubpipe

import (
	"encoding/xml"
	"fmt"
	"path"
	"strings"
)

// opfPackage represents the root <package> element of an OPF file.
// This is the read-side view; mutation goes through the DocCache tree.
type opfPackage struct {
	XMLName          xml.Name    `xml:"package"`
	Version          string      `xml:"version,attr"`
	UniqueIdentifier string      `xml:"unique-identifier,attr"`
	Metadata         opfMetadata `xml:"metadata"`
	Manifest         opfManifest `xml:"manifest"`
	Spine            opfSpine    `xml:"spine"`
	Guide            opfGuide    `xml:"guide"`
}

// opfMetadata holds the raw metadata elements from the OPF file.
type opfMetadata struct {
	Titles       []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ title"`
	Creators     []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ creator"`
	Languages    []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ language"`
	Identifiers  []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ identifier"`
	Publishers   []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ publisher"`
	Dates        []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ date"`
	Descriptions []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ description"`
	Subjects     []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ subject"`
	Rights       []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ rights"`
	Sources      []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ source"`
	Metas        []opfMeta      `xml:"meta"`
}

// opfDCElement holds a Dublin Core element with optional OPF attributes.
// ePub 2 uses opf:file-as, opf:role, opf:scheme attributes directly.
// ePub 3 uses <meta refines="..."> elements to express the same information.
type opfDCElement struct {
	Value  string `xml:",chardata"`
	ID     string `xml:"id,attr"`
	FileAs string `xml:"file-as,attr"`
	Role   string `xml:"role,attr"`
	Scheme string `xml:"scheme,attr"`
}

// opfMeta represents a <meta> element in the OPF metadata.
// ePub 2: <meta name="..." content="..."/>
// ePub 3: <meta property="..." refines="..." scheme="...">value</meta>
type opfMeta struct {
	Name    string `xml:"name,attr"`
	Content string `xml:"content,attr"`

	Property string `xml:"property,attr"`
	Refines  string `xml:"refines,attr"`
	Scheme   string `xml:"scheme,attr"`

	Value string `xml:",chardata"`
}

// opfManifest wraps the <manifest> element.
type opfManifest struct {
	Items []opfManifestItem `xml:"item"`
}

// opfManifestItem represents a single <item> in the manifest.
type opfManifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

// opfSpine wraps the <spine> element.
type opfSpine struct {
	Toc      string            `xml:"toc,attr"`
	ItemRefs []opfSpineItemRef `xml:"itemref"`
}

// opfSpineItemRef represents a single <itemref> in the spine.
type opfSpineItemRef struct {
	IDRef  string `xml:"idref,attr"`
	Linear string `xml:"linear,attr"`
}

// opfGuide wraps the <guide> element.
type opfGuide struct {
	References []opfGuideReference `xml:"reference"`
}

// opfGuideReference represents a single <reference> in the guide.
type opfGuideReference struct {
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
	Href  string `xml:"href,attr"`
}

// manifestItem is the processed representation of an OPF manifest entry.
type manifestItem struct {
	ID         string
	Href       string
	MediaType  string
	Properties string
}

// spineItem is the processed representation of an OPF spine entry with
// manifest references resolved.
type spineItem struct {
	ID        string
	Href      string
	MediaType string
	Linear    bool
	IDRef     string
}

// parseOPF parses OPF file content into the read-side package structure.
func parseOPF(data []byte) (*opfPackage, error) {
	data = preprocessHTMLEntities(stripBOM(data))

	var pkg opfPackage
	if err := xml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("epubpipe: parse OPF: %v: %w", err, ErrMalformedMarkup)
	}

	if pkg.Version == "" {
		// Default to 2.0 if version attribute is missing.
		pkg.Version = "2.0"
	}

	return &pkg, nil
}

// buildManifestMaps creates lookup maps from the parsed OPF manifest,
// keyed by ID and by Href.
func buildManifestMaps(manifest opfManifest) (byID, byHref map[string]*manifestItem) {
	byID = make(map[string]*manifestItem, len(manifest.Items))
	byHref = make(map[string]*manifestItem, len(manifest.Items))

	for _, item := range manifest.Items {
		mi := &manifestItem{
			ID:         item.ID,
			Href:       item.Href,
			MediaType:  item.MediaType,
			Properties: item.Properties,
		}
		byID[item.ID] = mi
		byHref[item.Href] = mi
	}

	return byID, byHref
}

// buildSpine creates a slice of spineItem from the parsed OPF spine,
// resolving manifest references for href and media-type.
func buildSpine(spine opfSpine, manifestByID map[string]*manifestItem) []spineItem {
	items := make([]spineItem, 0, len(spine.ItemRefs))

	for _, ref := range spine.ItemRefs {
		si := spineItem{
			IDRef:  ref.IDRef,
			Linear: ref.Linear != "no",
		}
		if mi, ok := manifestByID[ref.IDRef]; ok {
			si.ID = mi.ID
			si.Href = mi.Href
			si.MediaType = mi.MediaType
		}
		items = append(items, si)
	}

	return items
}

// mediaTypeByExtension maps file extensions to their manifest media types.
var mediaTypeByExtension = map[string]string{
	".xhtml": "application/xhtml+xml",
	".html":  "application/xhtml+xml",
	".htm":   "application/xhtml+xml",
	".css":   "text/css",
	".ncx":   "application/x-dtbncx+xml",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".js":    "text/javascript",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".smil":  "application/smil+xml",
}

// mediaTypeFor returns the manifest media type for an entry path, or
// "application/octet-stream" for unknown extensions.
func mediaTypeFor(p string) string {
	if mt, ok := mediaTypeByExtension[strings.ToLower(path.Ext(p))]; ok {
		return mt
	}
	return "application/octet-stream"
}
