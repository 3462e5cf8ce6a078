// Package storage implements the Remote Storage Client from spec §4.3: a
// single capability set {GetFileInfo, LoadToLocal, SaveFromLocal} with two
// concrete variants, Local and WopiRemote, selected by the document URL's
// scheme.
package storage

import (
	"context"
	"errors"
	"time"
)

// FailureKind classifies a storage failure the way spec §4.3 and §7 require
// it surfaced to the client ("error: cmd=load kind=uriinvalid" etc.).
type FailureKind int

const (
	// FailureNone is the zero value; not a real failure kind.
	FailureNone FailureKind = iota
	FailureAccessDenied
	FailureNotFound
	FailureTransient
)

// Error wraps a storage failure with its classification.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func newError(kind FailureKind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// KindOf extracts the FailureKind from err, or FailureNone if err is not a
// *Error (e.g. a plain I/O error that callers should treat as Transient).
func KindOf(err error) FailureKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailureNone
}

// FileInfo is the result of GetFileInfo: filename (last path segment, never
// from a query parameter per spec §4.3), last-modified time, and exact byte
// size.
type FileInfo struct {
	Filename     string
	LastModified time.Time
	Size         int64
}

// Client is the polymorphic storage capability set from spec §9's design
// note: one interface, two variants (Local, WopiRemote).
type Client interface {
	// GetFileInfo validates the document URL is reachable and returns its
	// metadata. Fails with a FailureKind-classified error.
	GetFileInfo(ctx context.Context) (FileInfo, error)

	// LoadToLocal stages the document payload into jailDir and returns the
	// path inside the jail where it now lives.
	LoadToLocal(ctx context.Context, jailDir string) (jailedPath string, err error)

	// SaveFromLocal persists the payload at localPath back to the origin.
	SaveFromLocal(ctx context.Context, localPath string) error
}

// Options configures which storage variants are reachable.
type Options struct {
	// AllowLocalFilesystem enables the Local variant for file:// URLs.
	// Disabled by default (spec §4.3): local storage is opt-in because it
	// would otherwise let any client read arbitrary server-local files.
	AllowLocalFilesystem bool

	// HTTPTimeout bounds a single remote request attempt (spec §7: only
	// the transport-level redirect is retried, not application failures).
	HTTPTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	return o
}
