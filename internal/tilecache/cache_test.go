package tilecache

import (
	"os"
	"testing"
	"time"

	"coolwsd/internal/docid"
	"coolwsd/internal/protocol"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	root := t.TempDir()
	key, err := docid.FromURL("https://host.example/docs/report.odt")
	if err != nil {
		t.Fatalf("FromURL: %v", err)
	}
	c, err := Open(root, key, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestSaveAndLookupTileRoundTrip(t *testing.T) {
	c := newTestCache(t)
	id := protocol.TileID{Part: 0, PixelWidth: 256, PixelHeight: 256, TwipX: 0, TwipY: 0, TwipWidth: 3840, TwipHeight: 3840}
	payload := []byte("fake-png-bytes")

	if err := c.SaveTile(id, payload); err != nil {
		t.Fatalf("SaveTile: %v", err)
	}

	f, ok := c.LookupTile(id)
	if !ok {
		t.Fatal("expected cache hit after SaveTile")
	}
	defer f.Close()
	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestLookupTileMiss(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.LookupTile(protocol.TileID{Part: 9, PixelWidth: 1, PixelHeight: 1, TwipWidth: 1, TwipHeight: 1})
	if ok {
		t.Fatal("expected miss for never-saved tile")
	}
}

func TestTextFileRoundTrip(t *testing.T) {
	c := newTestCache(t)
	if err := c.SaveTextFile(Status, "status: ..."); err != nil {
		t.Fatalf("SaveTextFile: %v", err)
	}
	got, ok := c.GetTextFile(Status)
	if !ok || got != "status: ..." {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestFontRenderingRoundTrip(t *testing.T) {
	c := newTestCache(t)
	if err := c.SaveRendering("Liberation Sans", "preview", []byte("font-bytes")); err != nil {
		t.Fatalf("SaveRendering: %v", err)
	}
	f, ok := c.LookupRendering("Liberation Sans", "preview")
	if !ok {
		t.Fatal("expected hit")
	}
	defer f.Close()
}

func TestInvalidateAllScenarioS3(t *testing.T) {
	c := newTestCache(t)
	t1 := protocol.TileID{Part: 0, PixelWidth: 256, PixelHeight: 256, TwipX: 0, TwipY: 0, TwipWidth: 100, TwipHeight: 100}
	t2 := protocol.TileID{Part: 0, PixelWidth: 256, PixelHeight: 256, TwipX: 5000, TwipY: 5000, TwipWidth: 100, TwipHeight: 100}
	c.SaveTile(t1, []byte("a"))
	c.SaveTile(t2, []byte("b"))

	c.InvalidateTilesFromWire("EMPTY")

	if _, ok := c.LookupTile(t1); ok {
		t.Error("expected t1 removed after EMPTY invalidation")
	}
	if _, ok := c.LookupTile(t2); ok {
		t.Error("expected t2 removed after EMPTY invalidation")
	}
}

func TestInvalidateAllPreservesSidecars(t *testing.T) {
	c := newTestCache(t)
	c.SaveTextFile(Status, "status: ...")
	c.InvalidateTilesFromWire("EMPTY")

	if _, ok := c.GetTextFile(Status); !ok {
		t.Error("expected status.txt sidecar to survive EMPTY invalidation")
	}
}

func TestInvalidateOverlappingRemovesOnlyIntersecting(t *testing.T) {
	c := newTestCache(t)
	near := protocol.TileID{Part: 0, PixelWidth: 1, PixelHeight: 1, TwipX: 0, TwipY: 0, TwipWidth: 100, TwipHeight: 100}
	far := protocol.TileID{Part: 0, PixelWidth: 1, PixelHeight: 1, TwipX: 10000, TwipY: 10000, TwipWidth: 100, TwipHeight: 100}
	c.SaveTile(near, []byte("a"))
	c.SaveTile(far, []byte("b"))

	if err := c.InvalidateTiles(protocol.InvalidationRect{Part: 0, X: 50, Y: 50, Width: 10, Height: 10}); err != nil {
		t.Fatalf("InvalidateTiles: %v", err)
	}

	if _, ok := c.LookupTile(near); ok {
		t.Error("expected near tile removed")
	}
	if _, ok := c.LookupTile(far); !ok {
		t.Error("expected far tile to survive")
	}
}

func TestMalformedInvalidationIsIgnored(t *testing.T) {
	c := newTestCache(t)
	c.InvalidateTilesFromWire("not a valid payload")
}

func TestOpenPurgesOnStaleModTime(t *testing.T) {
	root := t.TempDir()
	key, _ := docid.FromURL("https://host.example/docs/report.odt")

	c1, err := Open(root, key, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := protocol.TileID{Part: 0, PixelWidth: 1, PixelHeight: 1, TwipWidth: 1, TwipHeight: 1}
	c1.SaveTile(id, []byte("stale"))

	c2, err := Open(root, key, time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := c2.LookupTile(id); ok {
		t.Error("expected cache purged on modtime mismatch")
	}
}

func TestOpenPreservesCacheWhenModTimeUnchanged(t *testing.T) {
	root := t.TempDir()
	key, _ := docid.FromURL("https://host.example/docs/report.odt")

	c1, _ := Open(root, key, time.Unix(1000, 0))
	id := protocol.TileID{Part: 0, PixelWidth: 1, PixelHeight: 1, TwipWidth: 1, TwipHeight: 1}
	c1.SaveTile(id, []byte("fresh"))

	c2, err := Open(root, key, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := c2.LookupTile(id); !ok {
		t.Error("expected cache preserved when modtime unchanged")
	}
}

func TestDocumentSavedUpdatesModTime(t *testing.T) {
	c := newTestCache(t)
	if err := c.DocumentSaved(); err != nil {
		t.Fatalf("DocumentSaved: %v", err)
	}
	if c.storedModTime.IsZero() {
		t.Error("expected storedModTime to be updated")
	}
}
