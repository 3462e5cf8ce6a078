package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
)

// JailedDocumentRoot is the fixed subdirectory name inside a worker's jail
// where the staged document lives, per spec §6.
const JailedDocumentRoot = "user/docs"

// JailPath computes <jailRoot>/<jailId>/<JAILED_DOCUMENT_ROOT>, the
// directory a Client's LoadToLocal stages into, per spec §4.3/§6.
func JailPath(jailRoot, jailID string) string {
	return filepath.Join(jailRoot, jailID, JailedDocumentRoot)
}

// New constructs the appropriate Client variant for docURL's scheme.
func New(docURL, credentials string, opts Options) (Client, error) {
	u, err := url.Parse(docURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse document url %q: %w", docURL, err)
	}
	switch u.Scheme {
	case "file":
		return NewLocal(docURL, opts.AllowLocalFilesystem)
	case "http", "https":
		return NewWopiRemote(docURL, credentials, opts), nil
	default:
		return nil, newError(FailureNotFound, fmt.Sprintf("storage: unsupported scheme %q", u.Scheme))
	}
}
