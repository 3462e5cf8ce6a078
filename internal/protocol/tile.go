package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// AllParts is the sentinel part value meaning "every part", used by
// invalidation rectangles (spec §3) to erase every tile regardless of part.
const AllParts = -1

// TileID is the content-addressing tuple from spec §3: identical tuples
// share one cached artifact.
type TileID struct {
	Part        int
	PixelWidth  int
	PixelHeight int
	TwipX       int
	TwipY       int
	TwipWidth   int
	TwipHeight  int
}

// Filename renders the tile identity into the on-disk artifact name from
// spec §6: "<part>_<w>x<h>.<x>,<y>.<tw>x<th>.png".
func (t TileID) Filename() string {
	return fmt.Sprintf("%d_%dx%d.%d,%d.%dx%d.png",
		t.Part, t.PixelWidth, t.PixelHeight, t.TwipX, t.TwipY, t.TwipWidth, t.TwipHeight)
}

// ParseTileFilename parses a filename previously produced by Filename. It
// returns ok=false (never an error) for any name that doesn't match the
// expected shape, per spec §4.2's "tile files whose encoded identity cannot
// be parsed are ignored (forward-compatibility)".
func ParseTileFilename(name string) (TileID, bool) {
	name = strings.TrimSuffix(name, ".png")
	// "<part>_<w>x<h>.<x>,<y>.<tw>x<th>"
	underscoreIdx := strings.IndexByte(name, '_')
	if underscoreIdx < 0 {
		return TileID{}, false
	}
	part, err := strconv.Atoi(name[:underscoreIdx])
	if err != nil {
		return TileID{}, false
	}
	rest := strings.Split(name[underscoreIdx+1:], ".")
	if len(rest) != 3 {
		return TileID{}, false
	}
	w, h, ok := parseDims(rest[0])
	if !ok {
		return TileID{}, false
	}
	x, y, ok := parseCoords(rest[1])
	if !ok {
		return TileID{}, false
	}
	tw, th, ok := parseDims(rest[2])
	if !ok {
		return TileID{}, false
	}
	return TileID{
		Part: part, PixelWidth: w, PixelHeight: h,
		TwipX: x, TwipY: y, TwipWidth: tw, TwipHeight: th,
	}, true
}

func parseDims(s string) (a, b int, ok bool) {
	before, after, found := strings.Cut(s, "x")
	if !found {
		return 0, 0, false
	}
	a, errA := strconv.Atoi(before)
	b, errB := strconv.Atoi(after)
	return a, b, errA == nil && errB == nil
}

func parseCoords(s string) (a, b int, ok bool) {
	before, after, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	a, errA := strconv.Atoi(before)
	b, errB := strconv.Atoi(after)
	return a, b, errA == nil && errB == nil
}

// ParseTileRequest parses a "tile part=... width=... ..." command line (the
// part after the leading "tile " token) into a TileID plus the optional
// id= and editlock= parameters, which are out-of-cache-identity per spec §9
// Open Questions (editlock is accepted on the wire but excluded from the
// cache key).
//
// Invalid returns an error describing which field failed validation, per
// spec §8 boundary behavior: width/height/tilewidth/tileheight <= 0 or
// part/tileposx/tileposy < 0 is invalid.
func ParseTileRequest(line string) (TileID, Params, error) {
	p := ParseParams(line)
	id := TileID{
		Part:        p.Int("part", -1),
		PixelWidth:  p.Int("width", 0),
		PixelHeight: p.Int("height", 0),
		TwipX:       p.Int("tileposx", -1),
		TwipY:       p.Int("tileposy", -1),
		TwipWidth:   p.Int("tilewidth", 0),
		TwipHeight:  p.Int("tileheight", 0),
	}
	if id.PixelWidth <= 0 || id.PixelHeight <= 0 || id.TwipWidth <= 0 || id.TwipHeight <= 0 ||
		id.Part < 0 || id.TwipX < 0 || id.TwipY < 0 {
		return TileID{}, nil, fmt.Errorf("protocol: invalid tile request %q", line)
	}
	return id, p, nil
}

// InvalidationRect is the (part-or-ALL, twip box) tuple from spec §3,
// consumed only by the tile cache.
type InvalidationRect struct {
	Part                   int // AllParts for the ALL form
	X, Y, Width, Height    int
}

// ParseInvalidateTiles parses the worker-emitted wire payload from spec §4.2:
// either "EMPTY" (meaning ALL, erase every tile) or "<w> <h> <x> <y>".
func ParseInvalidateTiles(payload string) (InvalidationRect, error) {
	payload = strings.TrimSpace(payload)
	if payload == "EMPTY" {
		return InvalidationRect{Part: AllParts}, nil
	}
	fields := strings.Fields(payload)
	if len(fields) != 4 {
		return InvalidationRect{}, fmt.Errorf("protocol: invalidatetiles: malformed payload %q", payload)
	}
	w, errW := strconv.Atoi(fields[0])
	h, errH := strconv.Atoi(fields[1])
	x, errX := strconv.Atoi(fields[2])
	y, errY := strconv.Atoi(fields[3])
	if errW != nil || errH != nil || errX != nil || errY != nil {
		return InvalidationRect{}, fmt.Errorf("protocol: invalidatetiles: non-numeric payload %q", payload)
	}
	return InvalidationRect{Part: AllParts, X: x, Y: y, Width: w, Height: h}, nil
}

// Intersects reports whether the tile identity's twip box overlaps rect and
// the rect's part matches (or rect is the ALL form).
func (t TileID) Intersects(rect InvalidationRect) bool {
	if rect.Part != AllParts && rect.Part != t.Part {
		return false
	}
	if rect.Width == 0 && rect.Height == 0 && rect.X == 0 && rect.Y == 0 && rect.Part == AllParts {
		return true // EMPTY form
	}
	return rectsOverlap(t.TwipX, t.TwipY, t.TwipWidth, t.TwipHeight, rect.X, rect.Y, rect.Width, rect.Height)
}

func rectsOverlap(x1, y1, w1, h1, x2, y2, w2, h2 int) bool {
	return x1 < x2+w2 && x2 < x1+w1 && y1 < y2+h2 && y2 < y1+h1
}
