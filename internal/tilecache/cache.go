// Package tilecache implements the per-document rendered-tile store from
// spec §4.2: a content-addressed directory of tile artifacts plus five
// sidecar text files, with freshness-gated recreation and invalidation.
//
// Concurrency follows the coarse-lock-guards-bookkeeping,
// filesystem-is-the-source-of-truth shape used throughout the teacher
// codebase's panestate.Manager: one mutex protects the cache's own bookkeeping
// (its stored last-modified value); every other read or write goes straight
// to disk and is itself a small atomic operation, so the lock is never held
// across I/O longer than a single file operation.
package tilecache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coolwsd/internal/docid"
	"coolwsd/internal/protocol"
)

const (
	statusFile              = "status"             // stored as status.txt
	partPageRectanglesFile  = "partpagerectangles" // stored as partpagerectangles.txt
	modTimeFile             = "modtime.txt"
	cmdValuesFilePrefix     = "cmdValues"
	fontRenderingKeyPrefix  = "font:"
)

// TextFileKind identifies one of the sidecar text files. CommandValues is
// parameterized by the .uno: command name, e.g. CommandValues(".uno:CharFontName").
type TextFileKind string

const (
	Status              TextFileKind = statusFile
	PartPageRectangles  TextFileKind = partPageRectanglesFile
)

// CommandValues returns the sidecar kind for a commandvalues response to the
// named .uno: command.
func CommandValues(command string) TextFileKind {
	return TextFileKind(cmdValuesFilePrefix + sanitizeForFilename(command))
}

func sanitizeForFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Cache is the per-document tile/sidecar store.
type Cache struct {
	mu  sync.Mutex
	dir string

	storedModTime time.Time
}

// Open returns the cache for key under cacheRoot, purging and recreating it
// if remoteModTime differs from the previously stored modification time
// (spec §4.2 freshness gate), then records remoteModTime as current.
func Open(cacheRoot string, key docid.Key, remoteModTime time.Time) (*Cache, error) {
	dir := key.CacheDir(cacheRoot)
	c := &Cache{dir: dir}

	stored, err := readModTime(dir)
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("[TILECACHE] failed to read stored modtime, treating as stale", "dir", dir, "error", err)
	}
	c.storedModTime = stored

	if !stored.Equal(remoteModTime) {
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("tilecache: purge stale cache %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tilecache: create cache dir %s: %w", dir, err)
	}
	if !stored.Equal(remoteModTime) {
		if err := writeModTime(dir, remoteModTime); err != nil {
			return nil, err
		}
		c.storedModTime = remoteModTime
	}
	return c, nil
}

func readModTime(dir string) (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(dir, modTimeFile))
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("tilecache: parse stored modtime: %w", err)
	}
	return t, nil
}

func writeModTime(dir string, t time.Time) error {
	return atomicWrite(filepath.Join(dir, modTimeFile), []byte(t.Format(time.RFC3339Nano)))
}

// atomicWrite writes data to path by writing a temp file in the same
// directory and renaming over the destination, so concurrent readers never
// observe a partially written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("tilecache: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("tilecache: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tilecache: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tilecache: rename temp file into place: %w", err)
	}
	return nil
}

// LookupTile returns an open read handle for the cached tile, or nil if
// absent. The caller owns the returned file and may read it without holding
// any cache lock.
func (c *Cache) LookupTile(id protocol.TileID) (*os.File, bool) {
	f, err := os.Open(filepath.Join(c.dir, id.Filename()))
	if err != nil {
		return nil, false
	}
	return f, true
}

// SaveTile atomically writes bytes under the tile's content-addressed name.
func (c *Cache) SaveTile(id protocol.TileID, data []byte) error {
	return atomicWrite(filepath.Join(c.dir, id.Filename()), data)
}

// SaveTextFile writes one of the sidecar text files.
func (c *Cache) SaveTextFile(kind TextFileKind, text string) error {
	return atomicWrite(filepath.Join(c.dir, string(kind)+".txt"), []byte(text))
}

// GetTextFile reads a sidecar text file. ok is false if it has never been
// written.
func (c *Cache) GetTextFile(kind TextFileKind) (text string, ok bool) {
	raw, err := os.ReadFile(filepath.Join(c.dir, string(kind)+".txt"))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// SaveRendering stores a font preview rendering under "font:<name>"/kind.
func (c *Cache) SaveRendering(key, kind string, data []byte) error {
	return atomicWrite(filepath.Join(c.dir, fontRenderingKeyPrefix+sanitizeForFilename(key)+"."+sanitizeForFilename(kind)), data)
}

// LookupRendering returns an open read handle for a previously saved font
// rendering, or nil if absent.
func (c *Cache) LookupRendering(key, kind string) (*os.File, bool) {
	f, err := os.Open(filepath.Join(c.dir, fontRenderingKeyPrefix+sanitizeForFilename(key)+"."+sanitizeForFilename(kind)))
	if err != nil {
		return nil, false
	}
	return f, true
}

// InvalidateTiles removes every cached tile file whose identity intersects
// rect, per spec §4.2. Tile filenames that fail to parse are skipped
// (forward-compatibility), matching spec §4.2's stated edge case.
func (c *Cache) InvalidateTiles(rect protocol.InvalidationRect) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("tilecache: read dir %s: %w", c.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := protocol.ParseTileFilename(entry.Name())
		if !ok {
			continue
		}
		if !id.Intersects(rect) {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("[TILECACHE] failed to remove invalidated tile", "path", path, "error", err)
		}
	}
	return nil
}

// InvalidateTilesFromWire parses a worker-emitted "invalidatetiles: ..."
// payload and applies it. A payload that fails to parse is logged and
// ignored, per spec §4.2.
func (c *Cache) InvalidateTilesFromWire(payload string) {
	rect, err := protocol.ParseInvalidateTiles(payload)
	if err != nil {
		slog.Warn("[TILECACHE] ignoring malformed invalidatetiles payload", "payload", payload, "error", err)
		return
	}
	if err := c.InvalidateTiles(rect); err != nil {
		slog.Warn("[TILECACHE] failed to apply invalidation", "error", err)
	}
}

// DocumentSaved updates the stored last-modified value to now, so a future
// Open sees the cache as fresh for this save generation.
func (c *Cache) DocumentSaved() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if err := writeModTime(c.dir, now); err != nil {
		return err
	}
	c.storedModTime = now
	return nil
}

// Dir returns the cache's backing directory, for diagnostics and tests.
func (c *Cache) Dir() string {
	return c.dir
}
