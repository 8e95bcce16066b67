// Package epubpipe transforms ePub packages through configurable filter
// chains and a reversible content-protection codec.
//
// The engine is built around a uniform storage abstraction: a [Store] maps
// POSIX-style paths to byte entries and is backed either by an in-memory
// archive ([ArchiveStore], built from a ZIP blob) or by a directory tree
// ([DirStore]). Every transform operates against the same contract, so a
// pipeline behaves identically regardless of where the package lives.
//
// # Opening and exporting
//
// Use [Open] to load an ePub from a ZIP blob, or [OpenDir] to work over an
// unpacked directory:
//
//	pkg, err := epubpipe.Open(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := pkg.ExportBytes()
//
// Export preserves the required mimetype layout (first entry, stored) and is
// byte-stable for entries that were not modified.
//
// # Filter chains
//
// Transforms are named filters composed into a [Chain]. Unknown names and
// duplicates are rejected when the chain is built, not mid-run:
//
//	chain, err := epubpipe.NewChain(cfg, []epubpipe.FilterSpec{
//	    {Name: "structural-repair"},
//	    {Name: "version-upgrade"},
//	    {Name: "privacy-scrub"},
//	})
//	err = chain.Run(ctx, pkg)
//
// A chain is fail-fast: the first filter failure aborts the rest and is
// reported as a [FilterError] naming the filter that failed. The partially
// transformed package remains available for diagnostics but should not be
// exported as a final artifact.
//
// # Content protection
//
// [Codec.Protect] obfuscates selected entries (fonts and images by default)
// under deterministic scrambled names and records the mapping in a
// package-internal manifest; [Codec.Unprotect] is the exact inverse. A wrong
// key is detected via per-entry checksums and reported as [ErrAuthentication]
// without modifying the store.
//
// # Batch processing
//
// [Orchestrator] drives many packages through the same pipeline with a
// bounded worker pool. Each job owns its store and cache exclusively; one
// job's failure never aborts its siblings, and results are returned in
// submission order.
//
// # Error handling
//
// The package defines sentinel errors for the failure taxonomy:
//   - [ErrNotFound] – a requested entry is not in the store
//   - [ErrCorruptArchive] – the archive is structurally invalid
//   - [ErrIO] – a filesystem operation failed
//   - [ErrMalformedMarkup] – an XML/XHTML entry could not be parsed
//   - [ErrSerializationMismatch] – a document was written with the wrong mode
//   - [ErrAuthentication] – a protection key does not match
//   - [ErrManifestInconsistent] – the protection manifest references
//     unrecoverable entries
//   - [ErrDRMProtected] – the package carries real DRM and cannot be processed
//   - [ErrCancelled], [ErrTimeout] – batch job outcomes
package epubpipe
