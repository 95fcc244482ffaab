// Package colormap maps scalar tile statistics to colors.
package colormap

import (
	"image/color"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// Ramp interpolates linearly between evenly spaced color stops.
type Ramp struct {
	stops []color.RGBA
}

// NewRamp builds a ramp from at least one stop.
func NewRamp(stops ...color.RGBA) Ramp {
	if len(stops) == 0 {
		stops = []color.RGBA{{0, 0, 0, 255}}
	}
	return Ramp{stops: stops}
}

// At returns the color at position t, clamped to [0, 1].
func (r Ramp) At(t float64) color.Color {
	n := len(r.stops)
	switch {
	case n == 1 || t <= 0:
		return r.stops[0]
	case t >= 1:
		return r.stops[n-1]
	}
	pos := t * float64(n-1)
	i := int(pos)
	if i >= n-1 {
		return r.stops[n-1]
	}
	return lerp(r.stops[i], r.stops[i+1], pos-float64(i))
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + t*(float64(y)-float64(x)) + 0.5)
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Gray is a black to white ramp.
var Gray = NewRamp(color.RGBA{0, 0, 0, 255}, color.RGBA{255, 255, 255, 255})

// Viridis (matplotlib).
var Viridis = NewRamp(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{253, 231, 37, 255},
)

// Inferno (matplotlib).
var Inferno = NewRamp(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{40, 11, 84, 255},
	color.RGBA{101, 21, 110, 255},
	color.RGBA{159, 42, 99, 255},
	color.RGBA{212, 72, 66, 255},
	color.RGBA{245, 125, 21, 255},
	color.RGBA{250, 193, 39, 255},
	color.RGBA{252, 255, 164, 255},
)

// Magma (matplotlib).
var Magma = NewRamp(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{252, 253, 191, 255},
)

// Nebula runs from deep space blue through violet to a hot white core.
var Nebula = NewRamp(
	color.RGBA{2, 4, 20, 255},
	color.RGBA{24, 34, 96, 255},
	color.RGBA{108, 52, 148, 255},
	color.RGBA{226, 122, 164, 255},
	color.RGBA{255, 244, 230, 255},
)

// Default is used when a name is unknown.
const Default = "inferno"

var registry = map[string]Colormap{
	"gray":    Gray,
	"viridis": Viridis,
	"inferno": Inferno,
	"magma":   Magma,
	"nebula":  Nebula,
}

// Lookup returns the colormap registered under name (case-insensitive).
func Lookup(name string) (Colormap, bool) {
	cm, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return cm, ok
}

// Get returns the named colormap or the default one.
func Get(name string) Colormap {
	if cm, ok := Lookup(name); ok {
		return cm
	}
	return registry[Default]
}

// Names lists registered colormaps alphabetically.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Brightness colors an 8-bit average brightness (0..255).
func Brightness(cm Colormap, avg float64) color.Color {
	return cm.At(avg / 255)
}
