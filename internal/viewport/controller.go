package viewport

import (
	"github.com/spacetiles/server/internal/pyramid"
)

// Mode is the gesture mode of a Controller.
type Mode int

const (
	Idle Mode = iota
	Dragging
)

func (m Mode) String() string {
	if m == Dragging {
		return "dragging"
	}
	return "idle"
}

// Controller turns pointer, touch, wheel and button input into State
// transitions. It is not safe for concurrent use; one goroutine owns it.
type Controller struct {
	desc        *pyramid.Descriptor
	initialZoom int
	state       State
	mode        Mode
	// dragAnchor is the pointer position relative to PanOffset at drag start.
	dragAnchor Point
}

// NewController creates a controller for desc with the given surface size and
// centres the initial level. initialZoom is clamped into the level range.
func NewController(desc *pyramid.Descriptor, size Size, initialZoom int) *Controller {
	c := &Controller{
		desc:        desc,
		initialZoom: desc.ClampLevel(initialZoom),
		state:       State{ViewportSize: size},
	}
	c.Reset()
	return c
}

// State returns a copy of the current state.
func (c *Controller) State() State { return c.state }

// Restore replaces the current state, leaving the gesture mode untouched.
func (c *Controller) Restore(st State) { c.state = st }

// Mode returns the current gesture mode.
func (c *Controller) Mode() Mode { return c.mode }

// Descriptor returns the pyramid this controller navigates.
func (c *Controller) Descriptor() *pyramid.Descriptor { return c.desc }

// InitialZoom returns the level Reset returns to.
func (c *Controller) InitialZoom() int { return c.initialZoom }

// Reset centres the initial level.
func (c *Controller) Reset() {
	c.state = c.state.CenterAtLevel(c.desc, c.initialZoom)
}

// CenterAtLevel centres the given level.
func (c *Controller) CenterAtLevel(level int) {
	c.state = c.state.CenterAtLevel(c.desc, level)
}

// PanBy translates the mosaic.
func (c *Controller) PanBy(delta Point) {
	c.state = c.state.PanBy(delta)
}

// ZoomAtPoint zooms one level around anchor.
func (c *Controller) ZoomAtPoint(direction int, anchor Point) {
	c.state = c.state.ZoomAtPoint(c.desc, direction, anchor)
}

// ZoomIn zooms in around the viewport centre.
func (c *Controller) ZoomIn() { c.state = c.state.ZoomIn(c.desc) }

// ZoomOut zooms out around the viewport centre.
func (c *Controller) ZoomOut() { c.state = c.state.ZoomOut(c.desc) }

// Resize updates the surface size without recentring.
func (c *Controller) Resize(size Size) { c.state = c.state.Resize(size) }

// PointerDown starts a drag at p.
func (c *Controller) PointerDown(p Point) {
	c.mode = Dragging
	c.dragAnchor = p.Sub(c.state.PanOffset)
}

// PointerMove drags the mosaic so that the anchor stays under p. The target
// offset is recomputed from the anchor on every move, so no error accumulates.
func (c *Controller) PointerMove(p Point) {
	if c.mode != Dragging {
		return
	}
	target := p.Sub(c.dragAnchor)
	c.PanBy(target.Sub(c.state.PanOffset))
}

// PointerUp ends a drag.
func (c *Controller) PointerUp() { c.mode = Idle }

// PointerLeave ends a drag when the pointer leaves the surface.
func (c *Controller) PointerLeave() { c.mode = Idle }

// TouchStart starts a drag when exactly one finger touches the surface.
func (c *Controller) TouchStart(touches []Point) {
	if len(touches) != 1 {
		return
	}
	c.PointerDown(touches[0])
}

// TouchMove follows a single-finger drag.
func (c *Controller) TouchMove(touches []Point) {
	if len(touches) != 1 {
		return
	}
	c.PointerMove(touches[0])
}

// TouchEnd ends a touch drag.
func (c *Controller) TouchEnd() { c.mode = Idle }

// Wheel zooms one level around p: positive deltaY (scrolling down) zooms out.
// It works in either mode.
func (c *Controller) Wheel(deltaY float64, p Point) {
	switch {
	case deltaY > 0:
		c.ZoomAtPoint(-1, p)
	case deltaY < 0:
		c.ZoomAtPoint(1, p)
	}
}

// Pinch zooms one level around center: scale above 1 spreads fingers (in).
func (c *Controller) Pinch(scale float64, center Point) {
	switch {
	case scale > 1:
		c.ZoomAtPoint(1, center)
	case scale > 0 && scale < 1:
		c.ZoomAtPoint(-1, center)
	}
}
