package epubpipe

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the epubpipe package.
var (
	// ErrNotFound indicates the requested entry does not exist in the store.
	ErrNotFound = errors.New("epubpipe: entry not found")

	// ErrCorruptArchive indicates the archive blob is structurally invalid
	// (duplicate entries, unreadable central directory, unsafe entry paths).
	ErrCorruptArchive = errors.New("epubpipe: corrupt archive")

	// ErrIO indicates a filesystem operation failed for a directory-backed
	// store (permission, existence, or write errors).
	ErrIO = errors.New("epubpipe: i/o failure")

	// ErrMalformedMarkup indicates an XML or XHTML entry could not be parsed.
	ErrMalformedMarkup = errors.New("epubpipe: malformed markup")

	// ErrSerializationMismatch indicates a document was written with a mode
	// that does not match its structure (e.g. a markup document written in
	// package-manifest mode).
	ErrSerializationMismatch = errors.New("epubpipe: serialization mode mismatch")

	// ErrAuthentication indicates the key supplied to Unprotect does not
	// match the key the entries were protected with.
	ErrAuthentication = errors.New("epubpipe: authentication failure")

	// ErrManifestInconsistent indicates the protection manifest references
	// entries that are missing or otherwise unrecoverable.
	ErrManifestInconsistent = errors.New("epubpipe: protection manifest inconsistent")

	// ErrDRMProtected indicates the package carries real DRM
	// (e.g., Adobe ADEPT, Apple FairPlay, Readium LCP) and cannot be
	// transformed or protected by this engine.
	ErrDRMProtected = errors.New("epubpipe: package is DRM protected")

	// ErrCancelled indicates a batch job was cancelled before it started.
	ErrCancelled = errors.New("epubpipe: job cancelled")

	// ErrTimeout indicates a batch job exceeded its configured deadline.
	ErrTimeout = errors.New("epubpipe: job timed out")
)

// FilterError wraps a failure inside a named filter. The chain reports the
// first FilterError and aborts the remaining filters.
type FilterError struct {
	// Name is the registered name of the filter that failed.
	Name string

	// Err is the underlying cause.
	Err error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("epubpipe: filter %s: %v", e.Name, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }
