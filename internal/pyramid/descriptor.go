// Package pyramid holds the description of a multi-resolution tile pyramid.
package pyramid

import (
	"fmt"
	"strings"
)

// Format is the image encoding used by every tile of a pyramid.
type Format string

const (
	FormatJPEG Format = "JPEG"
	FormatPNG  Format = "PNG"
	FormatWEBP Format = "WEBP"
)

// Ext returns the file extension used in tile URLs. Names match without
// regard to case; unknown formats map to jpg.
func (f Format) Ext() string {
	switch Format(strings.ToUpper(string(f))) {
	case FormatPNG:
		return "png"
	case FormatWEBP:
		return "webp"
	default:
		return "jpg"
	}
}

// ContentType returns the MIME type matching Ext.
func (f Format) ContentType() string {
	switch f.Ext() {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// LevelGeometry is the pixel size and tile grid of one pyramid level.
type LevelGeometry struct {
	Level       int     `json:"level"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Cols        int     `json:"cols"`
	Rows        int     `json:"rows"`
	Tiles       int     `json:"tiles,omitempty"`
	ScaleFactor float64 `json:"scale_factor,omitempty"`
}

// Dimensions describes the source image.
type Dimensions struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	TotalPixels int64   `json:"total_pixels,omitempty"`
	Megapixels  float64 `json:"megapixels,omitempty"`
	Gigapixels  float64 `json:"gigapixels,omitempty"`
}

// CelestialObject is a display-only label for the imaged object.
type CelestialObject struct {
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	CatalogID        string   `json:"catalog_id,omitempty"`
	AlternativeNames []string `json:"alternative_names,omitempty"`
	Constellation    string   `json:"constellation,omitempty"`
	Magnitude        *float64 `json:"magnitude,omitempty"`
}

// CaptureInfo records how the source image was taken.
type CaptureInfo struct {
	Date               string   `json:"date,omitempty"`
	TimeUTC            string   `json:"time_utc,omitempty"`
	ExposureTime       string   `json:"exposure_time,omitempty"`
	SatelliteTelescope string   `json:"satellite_telescope,omitempty"`
	Instrument         string   `json:"instrument,omitempty"`
	Filters            []string `json:"filters,omitempty"`
	Wavelength         string   `json:"wavelength,omitempty"`
	Mission            string   `json:"mission,omitempty"`
	Observer           string   `json:"observer,omitempty"`
}

func (c *CaptureInfo) empty() bool {
	return c.Date == "" && c.TimeUTC == "" && c.ExposureTime == "" &&
		c.SatelliteTelescope == "" && c.Instrument == "" && len(c.Filters) == 0 &&
		c.Wavelength == "" && c.Mission == "" && c.Observer == ""
}

// Rect is an axis-aligned pixel rectangle.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TileKey addresses one tile of the pyramid.
type TileKey struct {
	Level int `json:"level"`
	Row   int `json:"row"`
	Col   int `json:"col"`
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.Row, k.Col)
}

// TileContent is the optional per-tile metadata produced by the tile generator.
type TileContent struct {
	Key               TileKey `json:"key"`
	Path              string  `json:"path,omitempty"`
	URL               string  `json:"url,omitempty"`
	SizeBytes         int64   `json:"size_bytes"`
	ContentHash       string  `json:"content_hash,omitempty"`
	AverageBrightness float64 `json:"average_brightness"`
	IsEmpty           bool    `json:"is_empty"`
	OriginalCoords    Rect    `json:"original_coords"`
	// Position and size of the tile inside its level mosaic.
	Position   Rect `json:"position"`
	HasContent bool `json:"has_content"`
}

// Descriptor is an immutable, loaded pyramid description.
type Descriptor struct {
	Version            string           `json:"version,omitempty"`
	GeneratedAt        string           `json:"generated_at,omitempty"`
	SourceImage        string           `json:"source_image,omitempty"`
	TileSize           int              `json:"tile_size"`
	Format             Format           `json:"format"`
	Quality            int              `json:"quality,omitempty"`
	Levels             []LevelGeometry  `json:"zoom_levels"`
	TotalTiles         int              `json:"total_tiles"`
	OriginalDimensions Dimensions       `json:"original_dimensions"`
	CelestialObject    *CelestialObject `json:"celestial_object,omitempty"`
	CaptureInfo        *CaptureInfo     `json:"capture_info,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
	Description        string           `json:"description,omitempty"`

	content map[TileKey]TileContent
}

// NumLevels returns the number of pyramid levels.
func (d *Descriptor) NumLevels() int {
	if d == nil {
		return 0
	}
	return len(d.Levels)
}

// MaxLevel returns the index of the most detailed level, or -1 when empty.
func (d *Descriptor) MaxLevel() int {
	return d.NumLevels() - 1
}

// Level returns the geometry of level i.
func (d *Descriptor) Level(i int) (LevelGeometry, bool) {
	if i < 0 || i >= d.NumLevels() {
		return LevelGeometry{}, false
	}
	return d.Levels[i], true
}

// ClampLevel clamps i into [0, MaxLevel]. An empty pyramid yields 0.
func (d *Descriptor) ClampLevel(i int) int {
	if i > d.MaxLevel() {
		i = d.MaxLevel()
	}
	if i < 0 {
		i = 0
	}
	return i
}

// Content looks up the per-tile metadata for key.
func (d *Descriptor) Content(key TileKey) (TileContent, bool) {
	if d == nil || d.content == nil {
		return TileContent{}, false
	}
	c, ok := d.content[key]
	return c, ok
}

// ContentCount returns how many tiles carry content metadata.
func (d *Descriptor) ContentCount() int {
	if d == nil {
		return 0
	}
	return len(d.content)
}

// LevelContent returns the content entries of one level keyed by tile.
func (d *Descriptor) LevelContent(level int) map[TileKey]TileContent {
	out := make(map[TileKey]TileContent)
	if d == nil {
		return out
	}
	for k, c := range d.content {
		if k.Level == level {
			out[k] = c
		}
	}
	return out
}

// Gigapixels reports the source size in gigapixels, falling back to the
// original dimensions when the generator omitted it.
func (d *Descriptor) Gigapixels() float64 {
	if d.OriginalDimensions.Gigapixels > 0 {
		return d.OriginalDimensions.Gigapixels
	}
	return float64(d.OriginalDimensions.Width) * float64(d.OriginalDimensions.Height) / 1e9
}
