// Package resolver computes which pyramid tiles cover a viewport and where
// they are drawn.
package resolver

import (
	"fmt"
	"math"
	"strings"

	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/viewport"
)

// Range is an inclusive tile index rectangle on one level.
type Range struct {
	Level    int `json:"level"`
	StartRow int `json:"start_row"`
	EndRow   int `json:"end_row"`
	StartCol int `json:"start_col"`
	EndCol   int `json:"end_col"`
}

// Empty reports whether the range holds no tiles.
func (r Range) Empty() bool {
	return r.StartRow > r.EndRow || r.StartCol > r.EndCol
}

// Len returns the number of tiles in the range.
func (r Range) Len() int {
	if r.Empty() {
		return 0
	}
	return (r.EndRow - r.StartRow + 1) * (r.EndCol - r.StartCol + 1)
}

// Contains reports whether key lies inside the range.
func (r Range) Contains(key pyramid.TileKey) bool {
	return key.Level == r.Level &&
		key.Row >= r.StartRow && key.Row <= r.EndRow &&
		key.Col >= r.StartCol && key.Col <= r.EndCol
}

// Keys lists the tiles of the range in row-major order.
func (r Range) Keys() []pyramid.TileKey {
	keys := make([]pyramid.TileKey, 0, r.Len())
	for row := r.StartRow; row <= r.EndRow; row++ {
		for col := r.StartCol; col <= r.EndCol; col++ {
			keys = append(keys, pyramid.TileKey{Level: r.Level, Row: row, Col: col})
		}
	}
	return keys
}

// VisibleRange returns the smallest tile rectangle whose tiles overlap the
// viewport of s with positive area, clipped to the level grid. A viewport
// entirely off the mosaic yields an empty range.
func VisibleRange(s viewport.State, d *pyramid.Descriptor) Range {
	empty := Range{Level: s.ZoomLevel, StartRow: 0, EndRow: -1, StartCol: 0, EndCol: -1}
	g, ok := d.Level(s.ZoomLevel)
	if !ok {
		return empty
	}
	ts := float64(d.TileSize)
	c0, c1, okCols := span(s.PanOffset.X, s.ViewportSize.Width, ts, g.Cols)
	r0, r1, okRows := span(s.PanOffset.Y, s.ViewportSize.Height, ts, g.Rows)
	if !okCols || !okRows {
		return empty
	}
	return Range{Level: s.ZoomLevel, StartRow: r0, EndRow: r1, StartCol: c0, EndCol: c1}
}

// span returns the indices of the n tiles of side ts overlapping [0, length)
// once shifted by offset. Bounds stay in float64 until clipped so that far or
// non-finite offsets cannot wrap on conversion.
func span(offset, length, ts float64, n int) (int, int, bool) {
	start := math.Max(0, math.Floor(-offset/ts))
	end := math.Min(float64(n-1), math.Ceil((length-offset)/ts)-1)
	if math.IsNaN(start) || math.IsNaN(end) || start > end {
		return 0, -1, false
	}
	return int(start), int(end), true
}

// Expand grows r by margin tiles on every side, clipped to the level grid.
func Expand(r Range, d *pyramid.Descriptor, margin int) Range {
	g, ok := d.Level(r.Level)
	if !ok || r.Empty() || margin <= 0 {
		return r
	}
	r.StartRow = max(0, r.StartRow-margin)
	r.StartCol = max(0, r.StartCol-margin)
	r.EndRow = min(g.Rows-1, r.EndRow+margin)
	r.EndCol = min(g.Cols-1, r.EndCol+margin)
	return r
}

// Resolve returns the visible tile coordinates in row-major order.
func Resolve(s viewport.State, d *pyramid.Descriptor) []pyramid.TileKey {
	return VisibleRange(s, d).Keys()
}

// TileRef is a resolved, fetchable tile.
type TileRef struct {
	Key      pyramid.TileKey      `json:"key"`
	URL      string               `json:"url"`
	Metadata *pyramid.TileContent `json:"metadata"`
	// Screen rectangle the tile is drawn into.
	Bounds pyramid.Rect `json:"bounds"`
}

// TileURL builds {base}/{level}/{row}/{col}.{ext}.
func TileURL(base string, format pyramid.Format, key pyramid.TileKey) string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", strings.TrimRight(base, "/"), key.Level, key.Row, key.Col, format.Ext())
}

// Placement returns the screen rectangle of key under s.
func Placement(s viewport.State, d *pyramid.Descriptor, key pyramid.TileKey) pyramid.Rect {
	ts := float64(d.TileSize)
	return pyramid.Rect{
		X:      float64(key.Col)*ts + s.PanOffset.X,
		Y:      float64(key.Row)*ts + s.PanOffset.Y,
		Width:  ts,
		Height: ts,
	}
}

// Ref resolves a single tile.
func Ref(s viewport.State, d *pyramid.Descriptor, base string, key pyramid.TileKey) TileRef {
	ref := TileRef{
		Key:    key,
		URL:    TileURL(base, d.Format, key),
		Bounds: Placement(s, d, key),
	}
	if c, ok := d.Content(key); ok {
		ref.Metadata = &c
	}
	return ref
}

// Refs resolves the visible set of s into fetchable references.
func Refs(s viewport.State, d *pyramid.Descriptor, base string) []TileRef {
	keys := Resolve(s, d)
	refs := make([]TileRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, Ref(s, d, base, k))
	}
	return refs
}

// HitTest returns the tile drawn under screen point p, if any.
func HitTest(s viewport.State, d *pyramid.Descriptor, p viewport.Point) (pyramid.TileKey, bool) {
	g, ok := d.Level(s.ZoomLevel)
	if !ok {
		return pyramid.TileKey{}, false
	}
	m := s.ScreenToMosaic(p)
	ts := float64(d.TileSize)
	col, row := math.Floor(m.X/ts), math.Floor(m.Y/ts)
	if !(col >= 0 && col < float64(g.Cols) && row >= 0 && row < float64(g.Rows)) {
		return pyramid.TileKey{}, false
	}
	return pyramid.TileKey{Level: s.ZoomLevel, Row: int(row), Col: int(col)}, true
}
