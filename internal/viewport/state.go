// Package viewport owns the pan/zoom transform of a pyramid viewer.
//
// All transforms are pure: they take a State and a descriptor and return the
// next State, so they can be exercised without a rendering surface.
package viewport

import (
	"math"

	"github.com/spacetiles/server/internal/pyramid"
)

// Point is a screen-space position or displacement in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p+q.
func (p Point) Add(q Point) Point { return Point{X: p.X + q.X, Y: p.Y + q.Y} }

// Sub returns p-q.
func (p Point) Sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// Scale returns p*k.
func (p Point) Scale(k float64) Point { return Point{X: p.X * k, Y: p.Y * k} }

// Size is the size of the rendering surface in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the middle of the surface.
func (s Size) Center() Point { return Point{X: s.Width / 2, Y: s.Height / 2} }

// MaxSide bounds the width and height of a viewport.
const MaxSide = 8192

// Valid reports whether both sides are positive and at most MaxSide.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Width <= MaxSide && s.Height <= MaxSide
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool { return Finite(p.X, p.Y) }

// Finite reports whether every value is neither NaN nor infinite.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// State is the transform of one viewport. PanOffset is the screen position of
// the current level's mosaic origin.
type State struct {
	ZoomLevel    int   `json:"zoom_level"`
	PanOffset    Point `json:"pan_offset"`
	ViewportSize Size  `json:"viewport_size"`
}

// Finite reports whether the pan offset and size are finite.
func (s State) Finite() bool {
	return s.PanOffset.Finite() && Finite(s.ViewportSize.Width, s.ViewportSize.Height)
}

// CenterAtLevel switches to level and centres that level's mosaic in the
// viewport. Out-of-range levels and empty pyramids leave s unchanged.
func (s State) CenterAtLevel(d *pyramid.Descriptor, level int) State {
	g, ok := d.Level(level)
	if !ok {
		return s
	}
	s.ZoomLevel = level
	s.PanOffset = Point{
		X: (s.ViewportSize.Width - float64(g.Width)) / 2,
		Y: (s.ViewportSize.Height - float64(g.Height)) / 2,
	}
	return s
}

// PanBy translates the mosaic by delta. No bounds are applied.
func (s State) PanBy(delta Point) State {
	s.PanOffset = s.PanOffset.Add(delta)
	return s
}

// ZoomAtPoint moves one pyramid level in direction (positive = in, negative =
// out) keeping the mosaic point under anchor fixed on screen. Requests that
// would leave [0, MaxLevel] are no-ops.
func (s State) ZoomAtPoint(d *pyramid.Descriptor, direction int, anchor Point) State {
	step := 0
	switch {
	case direction > 0:
		step = 1
	case direction < 0:
		step = -1
	default:
		return s
	}

	from, ok := d.Level(s.ZoomLevel)
	if !ok {
		return s
	}
	next := s.ZoomLevel + step
	to, ok := d.Level(next)
	if !ok || from.Width <= 0 {
		return s
	}

	// Levels share an aspect ratio, so the width ratio is the scale.
	scale := float64(to.Width) / float64(from.Width)
	s.ZoomLevel = next
	s.PanOffset = anchor.Sub(anchor.Sub(s.PanOffset).Scale(scale))
	return s
}

// ZoomIn zooms one level in around the viewport centre.
func (s State) ZoomIn(d *pyramid.Descriptor) State {
	return s.ZoomAtPoint(d, 1, s.ViewportSize.Center())
}

// ZoomOut zooms one level out around the viewport centre.
func (s State) ZoomOut(d *pyramid.Descriptor) State {
	return s.ZoomAtPoint(d, -1, s.ViewportSize.Center())
}

// Resize records a new surface size. The pan offset is kept as is, so content
// may end up off-screen until the next reset.
func (s State) Resize(size Size) State {
	s.ViewportSize = size
	return s
}

// ScreenToMosaic maps a screen point to pixel coordinates of the current level.
func (s State) ScreenToMosaic(p Point) Point {
	return p.Sub(s.PanOffset)
}

// MosaicToScreen maps current-level pixel coordinates to the screen.
func (s State) MosaicToScreen(p Point) Point {
	return p.Add(s.PanOffset)
}

// CanZoomIn reports whether a more detailed level exists.
func (s State) CanZoomIn(d *pyramid.Descriptor) bool {
	return s.ZoomLevel < d.MaxLevel()
}

// CanZoomOut reports whether a coarser level exists.
func (s State) CanZoomOut(d *pyramid.Descriptor) bool {
	return s.ZoomLevel > 0 && d.NumLevels() > 0
}
