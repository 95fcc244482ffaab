// Package render composes viewport frames and tile statistics maps using
// fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/spacetiles/server/internal/fetch"
	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/viewport"
	"github.com/spacetiles/server/pkg/colormap"
)

// MaxFrameSide bounds rendered frames on either axis.
const MaxFrameSide = viewport.MaxSide

// ErrFrameSize is returned for empty or oversized frames.
var ErrFrameSize = errors.New("invalid frame size")

// CheckSize reports whether a frame of size can be rendered.
func CheckSize(size viewport.Size) error {
	if !size.Valid() {
		return fmt.Errorf("%w: %gx%g", ErrFrameSize, size.Width, size.Height)
	}
	return nil
}

// Config contains renderer configuration.
type Config struct {
	Background color.Color
	// DegradedOpacity is the alpha of failed-tile placeholders (default 0.3).
	DegradedOpacity float64
	// CellSize is the pixel size of one tile in brightness maps (default 4).
	CellSize        int
	DefaultColormap string
}

// Renderer draws frames and brightness maps.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Background == nil {
		cfg.Background = color.Black
	}
	if cfg.DegradedOpacity <= 0 || cfg.DegradedOpacity > 1 {
		cfg.DegradedOpacity = 0.3
	}
	if cfg.CellSize <= 0 {
		cfg.CellSize = 4
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = colormap.Default
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Frame draws every tile at its placement. Failed tiles become a dimmed
// placeholder; overlay lines are printed in the top-left corner.
func (r *Renderer) Frame(size viewport.Size, tiles []fetch.Result, overlay []string) (image.Image, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	w, h := int(math.Ceil(size.Width)), int(math.Ceil(size.Height))

	dc := gg.NewContext(w, h)
	dc.SetColor(r.config.Background)
	dc.Clear()

	for _, t := range tiles {
		b := t.Ref.Bounds
		if t.Failed() || t.Image == nil {
			r.drawPlaceholder(dc, b)
			continue
		}
		dc.DrawImage(t.Image, int(math.Round(b.X)), int(math.Round(b.Y)))
	}

	if len(overlay) > 0 {
		drawOverlay(dc, overlay)
	}
	return dc.Image(), nil
}

func (r *Renderer) drawPlaceholder(dc *gg.Context, b pyramid.Rect) {
	a := r.config.DegradedOpacity
	dc.SetRGBA(0.5, 0.5, 0.5, a)
	dc.DrawRectangle(b.X, b.Y, b.Width, b.Height)
	dc.Fill()
	dc.SetRGBA(1, 1, 1, a)
	dc.SetLineWidth(1)
	dc.DrawRectangle(b.X+0.5, b.Y+0.5, b.Width-1, b.Height-1)
	dc.Stroke()
}

func drawOverlay(dc *gg.Context, lines []string) {
	const pad, lineHeight = 6.0, 15.0

	width := 0.0
	for _, l := range lines {
		if lw, _ := dc.MeasureString(l); lw > width {
			width = lw
		}
	}
	dc.SetRGBA(0, 0, 0, 0.7)
	dc.DrawRectangle(4, 4, width+2*pad, float64(len(lines))*lineHeight+2*pad)
	dc.Fill()

	dc.SetRGB(0.6, 1, 0.6)
	for i, l := range lines {
		dc.DrawString(l, 4+pad, 4+pad+float64(i+1)*lineHeight-3)
	}
}

// BrightnessMap renders one cell per tile of level, colored by its average
// brightness. Tiles flagged empty are transparent and tiles without
// metadata are gray.
func (r *Renderer) BrightnessMap(d *pyramid.Descriptor, level int, colormapName string) (image.Image, error) {
	g, ok := d.Level(level)
	if !ok {
		return nil, fmt.Errorf("level %d out of range [0, %d]", level, d.MaxLevel())
	}
	cell := r.config.CellSize
	w, h := g.Cols*cell, g.Rows*cell
	if w <= 0 || h <= 0 || w > MaxFrameSide || h > MaxFrameSide {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameSize, w, h)
	}

	cm, ok := colormap.Lookup(colormapName)
	if !ok {
		cm = colormap.Get(r.config.DefaultColormap)
	}
	content := d.LevelContent(level)

	dc := gg.NewContext(w, h)
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			c, ok := content[pyramid.TileKey{Level: level, Row: row, Col: col}]
			switch {
			case !ok:
				dc.SetRGBA(0.5, 0.5, 0.5, 1)
			case c.IsEmpty:
				continue
			default:
				dc.SetColor(colormap.Brightness(cm, c.AverageBrightness))
			}
			dc.DrawRectangle(float64(col*cell), float64(row*cell), float64(cell), float64(cell))
			dc.Fill()
		}
	}
	return dc.Image(), nil
}

// EncodePNG encodes img with the fast PNG encoder.
func (r *Renderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// The buffer is reused.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
