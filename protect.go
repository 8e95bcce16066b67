package epubpipe

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/opencontainers/go-digest"
)

// scrambleManifestPath is the package-internal location of the protection
// manifest.
const scrambleManifestPath = "META-INF/scramble.json"

// scrambleAlgorithmBasic is the only defined keystream scheme.
const scrambleAlgorithmBasic = "basic"

// obfuscatedPrefix is the directory protected entries move under.
const obfuscatedPrefix = "obf/"

// scrambleManifest is the on-disk protection manifest. Field order is
// fixed for interoperability with the external reference tool; changing
// it is a compatibility regression.
type scrambleManifest struct {
	Version   int             `json:"version"`
	Algorithm string          `json:"algorithm"`
	Salt      string          `json:"salt"`
	Entries   []scrambleEntry `json:"entries"`
}

// scrambleEntry records one protected entry. Checksum is the canonical
// digest of the plaintext, used to detect a wrong key before any store
// mutation.
type scrambleEntry struct {
	Path       string `json:"path"`
	Obfuscated string `json:"obfuscated"`
	Checksum   string `json:"checksum"`
}

// Codec scrambles selected store entries under obfuscated paths and
// reverses the transform. The zero value is not usable; construct with
// NewCodec.
type Codec struct {
	// selector picks the entries to protect. Defaults to embedded fonts
	// and images.
	selector func(path string) bool

	// salt returns the package salt for a Protect run. Defaults to a
	// random value per run.
	salt func() (string, error)
}

// CodecOption adjusts a Codec at construction.
type CodecOption func(*Codec)

// WithSelector replaces the default font/image entry selector.
func WithSelector(sel func(path string) bool) CodecOption {
	return func(c *Codec) { c.selector = sel }
}

// withSalt fixes the package salt; used by tests for reproducible runs.
func withSalt(salt string) CodecOption {
	return func(c *Codec) { c.salt = func() (string, error) { return salt, nil } }
}

// NewCodec builds a Codec with the default selector (fonts and images)
// and a random per-run salt.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		selector: func(p string) bool { return isFontPath(p) || isImagePath(p) },
		salt:     randomSalt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func randomSalt() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("epubpipe: generate salt: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// obfuscatedPath derives the one-way obfuscated location for path under
// the given package salt.
func obfuscatedPath(salt, path string) string {
	sum := md5.Sum([]byte(salt + ":" + path))
	return obfuscatedPrefix + hex.EncodeToString(sum[:])
}

// scramble XORs data with the MD5-chained keystream seeded from key,
// salt, and the entry's real path. The transform is its own inverse.
func scramble(data []byte, key, salt, path string) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data))
	block := md5.Sum([]byte(key + salt + path))
	for i := 0; i < len(data); i += md5.Size {
		for j := 0; j < md5.Size && i+j < len(data); j++ {
			out[i+j] = data[i+j] ^ block[j]
		}
		block = md5.Sum(append(block[:], key...))
	}
	return out
}

// Protect scrambles every selected entry: bytes move under the
// obfuscated path, the original path is removed, the manifest records
// the mapping, and OPF manifest hrefs are rewritten to the obfuscated
// locations. A store carrying real DRM refuses protection with
// ErrDRMProtected; a store that is already protected fails with
// ErrManifestInconsistent.
func (c *Codec) Protect(store Store, key string) error {
	if _, err := classifyEncryption(store); err != nil {
		return err
	}
	if store.Exists(scrambleManifestPath) {
		return fmt.Errorf("epubpipe: store is already protected: %w", ErrManifestInconsistent)
	}

	salt, err := c.salt()
	if err != nil {
		return err
	}

	// Stage everything in memory before the first store mutation.
	var entries []scrambleEntry
	scrambled := make(map[string][]byte)
	for _, name := range store.List() {
		if !c.selector(name) || strings.HasPrefix(name, "META-INF/") {
			continue
		}
		data, err := store.Get(name)
		if err != nil {
			return err
		}
		obf := obfuscatedPath(salt, name)
		entries = append(entries, scrambleEntry{
			Path:       name,
			Obfuscated: obf,
			Checksum:   digest.FromBytes(data).String(),
		})
		scrambled[obf] = scramble(data, key, salt, name)
	}
	if len(entries) == 0 {
		return nil
	}

	manifest := scrambleManifest{
		Version:   1,
		Algorithm: scrambleAlgorithmBasic,
		Salt:      salt,
		Entries:   entries,
	}
	manifestData, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("epubpipe: encode protection manifest: %w", err)
	}

	for _, e := range entries {
		if err := store.Put(e.Obfuscated, scrambled[e.Obfuscated]); err != nil {
			return err
		}
	}
	if err := store.Put(scrambleManifestPath, manifestData); err != nil {
		return err
	}

	pathMap := make(map[string]string, len(entries))
	for _, e := range entries {
		pathMap[e.Path] = e.Obfuscated
	}
	if err := rewriteManifestHrefs(store, pathMap); err != nil {
		return err
	}

	for _, e := range entries {
		if err := store.Delete(e.Path); err != nil {
			return err
		}
	}
	return nil
}

// Unprotect reverses Protect. A wrong key fails with ErrAuthentication
// before any store mutation; a manifest naming unrecoverable entries
// fails with ErrManifestInconsistent. A store with no manifest is a
// no-op.
func (c *Codec) Unprotect(store Store, key string) error {
	manifestData, err := store.Get(scrambleManifestPath)
	if err != nil {
		return nil
	}

	var manifest scrambleManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return fmt.Errorf("epubpipe: decode protection manifest: %v: %w", err, ErrManifestInconsistent)
	}
	if manifest.Algorithm != scrambleAlgorithmBasic {
		return fmt.Errorf("epubpipe: unknown scramble algorithm %q: %w", manifest.Algorithm, ErrManifestInconsistent)
	}

	// Recover and verify every entry before the first store mutation, so
	// a wrong key leaves the store exactly as it was.
	restored := make(map[string][]byte, len(manifest.Entries))
	for _, e := range manifest.Entries {
		data, err := store.Get(e.Obfuscated)
		if err != nil {
			return fmt.Errorf("epubpipe: protected entry %s missing: %w", e.Obfuscated, ErrManifestInconsistent)
		}
		plain := scramble(data, key, manifest.Salt, e.Path)
		if digest.FromBytes(plain).String() != e.Checksum {
			return fmt.Errorf("epubpipe: checksum mismatch for %s: %w", e.Path, ErrAuthentication)
		}
		restored[e.Path] = plain
	}

	for _, e := range manifest.Entries {
		if err := store.Put(e.Path, restored[e.Path]); err != nil {
			return err
		}
	}

	pathMap := make(map[string]string, len(manifest.Entries))
	for _, e := range manifest.Entries {
		pathMap[e.Obfuscated] = e.Path
	}
	if err := rewriteManifestHrefs(store, pathMap); err != nil {
		return err
	}

	for _, e := range manifest.Entries {
		if err := store.Delete(e.Obfuscated); err != nil {
			return err
		}
	}
	return store.Delete(scrambleManifestPath)
}

// rewriteManifestHrefs rewrites OPF manifest item hrefs according to
// pathMap (store path → store path), keeping the manifest consistent
// with the moved entries. A package with no locatable OPF passes
// through untouched.
func rewriteManifestHrefs(store Store, pathMap map[string]string) error {
	opfPath, err := findOPFPath(store)
	if err != nil {
		return nil
	}
	data, err := store.Get(opfPath)
	if err != nil {
		return nil
	}

	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	if err := doc.ReadFromBytes(preprocessHTMLEntities(stripBOM(data))); err != nil {
		return fmt.Errorf("epubpipe: parse %s: %v: %w", opfPath, err, ErrMalformedMarkup)
	}
	root := doc.Root()
	if root == nil {
		return nil
	}
	manifest := root.SelectElement("manifest")
	if manifest == nil {
		return nil
	}

	changed := false
	for _, item := range manifest.SelectElements("item") {
		href := item.SelectAttrValue("href", "")
		if href == "" {
			continue
		}
		resolved := resolveRelativePath(opfPath, href)
		target, ok := pathMap[resolved]
		if !ok {
			continue
		}
		item.CreateAttr("href", relativeHref(opfPath, target))
		changed = true
	}
	if !changed {
		return nil
	}

	doc.WriteSettings.CanonicalEndTags = false
	out, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("epubpipe: serialise %s: %w", opfPath, err)
	}
	return store.Put(opfPath, out)
}
