package protocol

import "testing"

func TestTileFilenameRoundTrip(t *testing.T) {
	id := TileID{Part: 0, PixelWidth: 256, PixelHeight: 256, TwipX: 0, TwipY: 0, TwipWidth: 3840, TwipHeight: 3840}
	name := id.Filename()

	got, ok := ParseTileFilename(name)
	if !ok {
		t.Fatalf("ParseTileFilename(%q) failed to parse", name)
	}
	if got != id {
		t.Fatalf("got %+v, want %+v", got, id)
	}
}

func TestParseTileFilenameRejectsGarbage(t *testing.T) {
	for _, name := range []string{"", "garbage.png", "0_abcx256.0,0.10x10.png", "notapart_1x1.0,0.1x1.png"} {
		if _, ok := ParseTileFilename(name); ok {
			t.Errorf("ParseTileFilename(%q) unexpectedly succeeded", name)
		}
	}
}

func TestParseTileRequestValid(t *testing.T) {
	id, params, err := ParseTileRequest("part=0 width=256 height=256 tileposx=0 tileposy=0 tilewidth=3840 tileheight=3840 id=42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Part != 0 || id.PixelWidth != 256 || id.TwipWidth != 3840 {
		t.Fatalf("got %+v", id)
	}
	if params.String("id", "") != "42" {
		t.Fatalf("expected id=42 preserved in params, got %+v", params)
	}
}

func TestParseTileRequestBoundaryInvalid(t *testing.T) {
	cases := []string{
		"part=0 width=0 height=256 tileposx=0 tileposy=0 tilewidth=10 tileheight=10",
		"part=0 width=10 height=10 tileposx=-1 tileposy=0 tilewidth=10 tileheight=10",
		"part=-1 width=10 height=10 tileposx=0 tileposy=0 tilewidth=10 tileheight=10",
		"part=0 width=10 height=10 tileposx=0 tileposy=0 tilewidth=0 tileheight=10",
	}
	for _, line := range cases {
		if _, _, err := ParseTileRequest(line); err == nil {
			t.Errorf("ParseTileRequest(%q) = nil error, want error", line)
		}
	}
}

func TestParseInvalidateTilesEmpty(t *testing.T) {
	rect, err := ParseInvalidateTiles("EMPTY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rect.Part != AllParts {
		t.Fatalf("got %+v, want ALL part", rect)
	}
}

func TestParseInvalidateTilesRect(t *testing.T) {
	rect, err := ParseInvalidateTiles("100 200 0 0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rect.Width != 100 || rect.Height != 200 {
		t.Fatalf("got %+v", rect)
	}
}

func TestParseInvalidateTilesMalformed(t *testing.T) {
	if _, err := ParseInvalidateTiles("not numbers here"); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestTileIntersects(t *testing.T) {
	id := TileID{Part: 0, TwipX: 0, TwipY: 0, TwipWidth: 100, TwipHeight: 100}
	overlapping := InvalidationRect{Part: 0, X: 50, Y: 50, Width: 100, Height: 100}
	disjoint := InvalidationRect{Part: 0, X: 1000, Y: 1000, Width: 10, Height: 10}
	wrongPart := InvalidationRect{Part: 1, X: 0, Y: 0, Width: 100, Height: 100}

	if !id.Intersects(overlapping) {
		t.Error("expected overlap")
	}
	if id.Intersects(disjoint) {
		t.Error("expected no overlap for disjoint rect")
	}
	if id.Intersects(wrongPart) {
		t.Error("expected no match for different part")
	}
}

func TestParseTileCombineEqualCounts(t *testing.T) {
	ids, _, err := ParseTileCombine("part=0 width=256 height=256 tileposx=0,3840 tileposy=0,0 tilewidth=3840 tileheight=3840")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d tiles, want 2", len(ids))
	}
	if ids[1].TwipX != 3840 {
		t.Fatalf("got %+v", ids[1])
	}
}

func TestParseTileCombineUnequalCountsIsInvalid(t *testing.T) {
	_, _, err := ParseTileCombine("part=0 width=256 height=256 tileposx=0,3840,7680 tileposy=0,0 tilewidth=3840 tileheight=3840")
	if err == nil {
		t.Fatal("expected error for unequal X/Y position counts")
	}
}
