// Package docid derives the Document Key (spec §3) and the tile-cache
// directory fan-out path (spec §4.2, §6) from a document URL.
package docid

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Key is the deterministic, case-preserving identity of a document: its
// host+path with query and fragment stripped. Two URLs that differ only in
// query or fragment share one Key, and therefore one Broker.
type Key string

// FromURL derives a Key from a raw document URL. The scheme is intentionally
// excluded from the key so that e.g. a WOPI document addressed over http
// and https during a scheme migration still coalesces to one broker; jailing
// and storage-variant selection are driven by the scheme separately, not by
// the key.
func FromURL(raw string) (Key, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("docid: parse %q: %w", raw, err)
	}
	if u.Host == "" && u.Scheme != "file" {
		return "", fmt.Errorf("docid: %q has no host", raw)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return Key(u.Host + path), nil
}

// Digest returns the hex SHA-1 of the key, used both as the cache directory
// leaf and as the fan-out prefixes.
func (k Key) Digest() string {
	sum := sha1.Sum([]byte(k))
	return hex.EncodeToString(sum[:])
}

// CacheDir returns cacheRoot/<H>/<HH>/<HHH>/<digest>, the directory layout
// from spec §4.2 and §6: three levels of hex-prefix fan-out (1, 2, 3 hex
// digits) keep any single directory from holding more than ~16 children,
// giving roughly 16^3 = 4096 leaf directories of fan-out before digests
// collide on directory, and the full digest as the leaf avoids collisions
// altogether.
func (k Key) CacheDir(cacheRoot string) string {
	digest := k.Digest()
	return strings.Join([]string{
		cacheRoot,
		digest[0:1],
		digest[0:2],
		digest[0:3],
		digest,
	}, "/")
}

// String returns the key's underlying host+path form.
func (k Key) String() string {
	return string(k)
}
