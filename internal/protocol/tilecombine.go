package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTileCombine splits a "tilecombine part=... width=... height=...
// tileposx=<csv> tileposy=<csv> tilewidth=... tileheight=... [id=...]" line
// into the individual single-tile TileIDs it addresses. The session pair
// does not use it: a client's tilecombine request is forwarded whole to the
// worker, and only single "tile" requests are served from the Tile Cache.
//
// Returns an error if the X and Y position lists have unequal lengths,
// per spec §8's boundary behavior for tilecombine.
func ParseTileCombine(line string) ([]TileID, Params, error) {
	p := ParseParams(line)

	part := p.Int("part", -1)
	width := p.Int("width", 0)
	height := p.Int("height", 0)
	tileWidth := p.Int("tilewidth", 0)
	tileHeight := p.Int("tileheight", 0)

	xs, errX := splitInts(p.String("tileposx", ""))
	ys, errY := splitInts(p.String("tileposy", ""))
	if errX != nil || errY != nil {
		return nil, nil, fmt.Errorf("protocol: tilecombine: non-numeric position list")
	}
	if len(xs) != len(ys) {
		return nil, nil, fmt.Errorf("protocol: tilecombine: %d x-positions vs %d y-positions", len(xs), len(ys))
	}
	if width <= 0 || height <= 0 || tileWidth <= 0 || tileHeight <= 0 || part < 0 || len(xs) == 0 {
		return nil, nil, fmt.Errorf("protocol: tilecombine: invalid parameters %q", line)
	}

	ids := make([]TileID, 0, len(xs))
	for i := range xs {
		if xs[i] < 0 || ys[i] < 0 {
			return nil, nil, fmt.Errorf("protocol: tilecombine: negative tile position")
		}
		ids = append(ids, TileID{
			Part:        part,
			PixelWidth:  width,
			PixelHeight: height,
			TwipX:       xs[i],
			TwipY:       ys[i],
			TwipWidth:   tileWidth,
			TwipHeight:  tileHeight,
		})
	}
	return ids, p, nil
}

func splitInts(csv string) ([]int, error) {
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, s := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
