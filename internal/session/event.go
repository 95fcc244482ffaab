package session

import (
	"fmt"

	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/viewport"
)

// EventKind names an input event.
type EventKind string

const (
	PointerDown  EventKind = "pointer_down"
	PointerMove  EventKind = "pointer_move"
	PointerUp    EventKind = "pointer_up"
	PointerLeave EventKind = "pointer_leave"
	TouchStart   EventKind = "touch_start"
	TouchMove    EventKind = "touch_move"
	TouchEnd     EventKind = "touch_end"
	Wheel        EventKind = "wheel"
	Pinch        EventKind = "pinch"
	ZoomIn       EventKind = "zoom_in"
	ZoomOut      EventKind = "zoom_out"
	Zoom         EventKind = "zoom"
	Reset        EventKind = "reset"
	Resize       EventKind = "resize"
	Pan          EventKind = "pan"
	Center       EventKind = "center"
	Click        EventKind = "click"
	Hover        EventKind = "hover"
	HoverLeave   EventKind = "hover_leave"
)

// Event is one user input, as posted by clients.
type Event struct {
	Kind EventKind `json:"type"`
	// Screen position for pointer, wheel, pinch, zoom, click and hover events.
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
	// Active touches for touch events.
	Touches []viewport.Point `json:"touches,omitempty"`
	DeltaY  float64          `json:"delta_y,omitempty"`
	// Pinch scale, >1 zooms in.
	Scale float64 `json:"scale,omitempty"`
	// Zoom direction, +1 or -1.
	Direction int `json:"direction,omitempty"`
	// Pan delta.
	DX float64 `json:"dx,omitempty"`
	DY float64 `json:"dy,omitempty"`
	// Resize dimensions.
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	// Center level.
	Level int `json:"level,omitempty"`
}

// Point returns the event's screen position.
func (e Event) Point() viewport.Point {
	return viewport.Point{X: e.X, Y: e.Y}
}

// Validate checks event fields that cannot be defaulted.
func (e Event) Validate() error {
	if !viewport.Finite(e.X, e.Y, e.DeltaY, e.Scale, e.DX, e.DY, e.Width, e.Height) {
		return fmt.Errorf("%s has a non-finite coordinate", e.Kind)
	}
	for _, t := range e.Touches {
		if !t.Finite() {
			return fmt.Errorf("%s has a non-finite touch", e.Kind)
		}
	}
	switch e.Kind {
	case PointerDown, PointerMove, PointerUp, PointerLeave,
		TouchMove, TouchEnd, Wheel, ZoomIn, ZoomOut, Reset,
		Pan, Center, Click, Hover, HoverLeave:
		return nil
	case TouchStart:
		if len(e.Touches) == 0 {
			return fmt.Errorf("%s requires touches", e.Kind)
		}
	case Pinch:
		if e.Scale <= 0 {
			return fmt.Errorf("%s requires a positive scale", e.Kind)
		}
	case Zoom:
		if e.Direction != 1 && e.Direction != -1 {
			return fmt.Errorf("%s requires direction 1 or -1", e.Kind)
		}
	case Resize:
		if !(viewport.Size{Width: e.Width, Height: e.Height}).Valid() {
			return fmt.Errorf("%s requires a positive size of at most %d pixels a side", e.Kind, viewport.MaxSide)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Kind)
	}
	return nil
}

// Notification is an outbound tile interaction.
type Notification struct {
	Type      string `json:"type"`
	ZoomLevel int    `json:"zoom_level"`
	// Metadata is nil when a hovered tile is left.
	Metadata *pyramid.TileContent `json:"metadata"`
}

const (
	NotifyTileClick = "tile_click"
	NotifyTileHover = "tile_hover"
)
