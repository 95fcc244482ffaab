package pyramid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	defaultLoadTimeout = 10 * time.Second
	maxMetadataBytes   = 512 << 20
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// MetadataLoadError is returned when a pyramid description cannot be fetched
// or does not describe a usable pyramid. It is terminal for the mount that
// requested it.
type MetadataLoadError struct {
	Source string
	Err    error
}

func (e *MetadataLoadError) Error() string {
	return fmt.Sprintf("load pyramid metadata from %s: %v", e.Source, e.Err)
}

func (e *MetadataLoadError) Unwrap() error { return e.Err }

// errTransport marks failures worth a retry (network, 5xx).
var errTransport = errors.New("transport failure")

// MetadataURL returns override when set, otherwise {tilesBasePath}/metadata.json.
func MetadataURL(tilesBasePath, override string) string {
	if override != "" {
		return override
	}
	return strings.TrimRight(tilesBasePath, "/") + "/metadata.json"
}

// Loader fetches and parses metadata documents.
type Loader struct {
	Client *http.Client
	// Timeout bounds each attempt. Zero means 10s.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transport failure.
	// Parse and validation failures are never retried.
	Retries int
	Logger  *zap.Logger
}

// NewLoader returns a loader with one retry and the default timeout.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		Client:  http.DefaultClient,
		Timeout: defaultLoadTimeout,
		Retries: 1,
		Logger:  logger,
	}
}

// Load reads a descriptor from source, an http(s) URL or a local path.
func Load(ctx context.Context, source string) (*Descriptor, error) {
	return NewLoader(nil).Load(ctx, source)
}

// Load reads a descriptor from source, an http(s) URL or a local path.
func (l *Loader) Load(ctx context.Context, source string) (*Descriptor, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		data []byte
		err  error
	)
	for attempt := 0; attempt <= l.Retries; attempt++ {
		data, err = l.fetch(ctx, source)
		if err == nil || !errors.Is(err, errTransport) || ctx.Err() != nil {
			break
		}
		logger.Warn("metadata fetch failed",
			zap.String("source", source),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err != nil {
		return nil, &MetadataLoadError{Source: source, Err: err}
	}

	d, err := Parse(data)
	if err != nil {
		return nil, &MetadataLoadError{Source: source, Err: err}
	}

	logger.Info("pyramid metadata loaded",
		zap.String("source", source),
		zap.Int("levels", d.NumLevels()),
		zap.Int("tile_size", d.TileSize),
		zap.String("format", string(d.Format)),
		zap.Int("tile_content", d.ContentCount()))
	return d, nil
}

func (l *Loader) fetch(ctx context.Context, source string) ([]byte, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return l.fetchHTTP(ctx, source)
	}
	return readFile(ctx, source)
}

func (l *Loader) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s", errTransport, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errTransport, err)
	}
	return data, nil
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// wire types mirror the tile generator's metadata.json.
type wireDescriptor struct {
	Descriptor
	Tiles map[string]map[string]map[string]wireTile `json:"tiles"`
}

type wireTile struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	URL      string `json:"url"`
	Position struct {
		Col int     `json:"col"`
		Row int     `json:"row"`
		X   float64 `json:"x"`
		Y   float64 `json:"y"`
	} `json:"position"`
	Dimensions struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"dimensions"`
	Content *struct {
		AvgBrightness  float64 `json:"avg_brightness"`
		IsEmpty        bool    `json:"is_empty"`
		HasContent     *bool   `json:"has_content"`
		OriginalCoords Rect    `json:"original_coords"`
	} `json:"content"`
}

// Parse decodes a metadata document, zstd-compressed or plain JSON.
func Parse(data []byte) (*Descriptor, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
	}

	var w wireDescriptor
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	content, err := flattenTiles(w.Tiles)
	if err != nil {
		return nil, err
	}

	d := w.Descriptor
	if d.CelestialObject != nil && d.CelestialObject.Name == "" && d.CelestialObject.Type == "" {
		d.CelestialObject = nil
	}
	if d.CaptureInfo != nil && d.CaptureInfo.empty() {
		d.CaptureInfo = nil
	}
	return Build(d, content)
}

func flattenTiles(tiles map[string]map[string]map[string]wireTile) ([]TileContent, error) {
	var out []TileContent
	for ls, rows := range tiles {
		level, err := strconv.Atoi(ls)
		if err != nil {
			return nil, fmt.Errorf("invalid tile level key %q", ls)
		}
		for rs, cols := range rows {
			row, err := strconv.Atoi(rs)
			if err != nil {
				return nil, fmt.Errorf("invalid tile row key %q at level %d", rs, level)
			}
			for cs, t := range cols {
				col, err := strconv.Atoi(cs)
				if err != nil {
					return nil, fmt.Errorf("invalid tile col key %q at %d/%d", cs, level, row)
				}
				tc := TileContent{
					Key:         TileKey{Level: level, Row: row, Col: col},
					Path:        t.Path,
					URL:         t.URL,
					SizeBytes:   t.Size,
					ContentHash: t.Hash,
					Position: Rect{
						X:      t.Position.X,
						Y:      t.Position.Y,
						Width:  t.Dimensions.Width,
						Height: t.Dimensions.Height,
					},
					HasContent: true,
				}
				if t.Content != nil {
					tc.AverageBrightness = t.Content.AvgBrightness
					tc.IsEmpty = t.Content.IsEmpty
					tc.OriginalCoords = t.Content.OriginalCoords
					tc.HasContent = !t.Content.IsEmpty
					if t.Content.HasContent != nil {
						tc.HasContent = *t.Content.HasContent
					}
				}
				out = append(out, tc)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	return out, nil
}

// Build validates d, derives missing grid sizes and attaches per-tile content.
// The returned descriptor shares no mutable state with d.
func Build(d Descriptor, content []TileContent) (*Descriptor, error) {
	if d.TileSize <= 0 {
		return nil, fmt.Errorf("tile_size must be positive, got %d", d.TileSize)
	}
	if len(d.Levels) == 0 {
		return nil, errors.New("metadata has no zoom_levels")
	}
	if d.Format == "" {
		d.Format = FormatJPEG
	}
	d.Format = Format(strings.ToUpper(string(d.Format)))

	levels := make([]LevelGeometry, len(d.Levels))
	copy(levels, d.Levels)
	for i := range levels {
		g := &levels[i]
		if g.Level != i && g.Level != 0 {
			return nil, fmt.Errorf("zoom_levels[%d] declares level %d", i, g.Level)
		}
		g.Level = i
		if g.Width <= 0 || g.Height <= 0 {
			return nil, fmt.Errorf("zoom level %d has invalid size %dx%d", i, g.Width, g.Height)
		}
		cols := ceilDiv(g.Width, d.TileSize)
		rows := ceilDiv(g.Height, d.TileSize)
		if g.Cols == 0 {
			g.Cols = cols
		}
		if g.Rows == 0 {
			g.Rows = rows
		}
		if g.Cols != cols || g.Rows != rows {
			return nil, fmt.Errorf("zoom level %d grid %dx%d does not match %dx%d at tile size %d",
				i, g.Cols, g.Rows, cols, rows, d.TileSize)
		}
		if g.Tiles == 0 {
			g.Tiles = g.Cols * g.Rows
		}
	}
	d.Levels = levels

	d.content = make(map[TileKey]TileContent, len(content))
	for _, c := range content {
		g, ok := d.Level(c.Key.Level)
		if !ok {
			return nil, fmt.Errorf("tile %s references unknown level", c.Key)
		}
		if c.Key.Row < 0 || c.Key.Row >= g.Rows || c.Key.Col < 0 || c.Key.Col >= g.Cols {
			return nil, fmt.Errorf("tile %s lies outside the %dx%d grid", c.Key, g.Cols, g.Rows)
		}
		if c.AverageBrightness < 0 || c.AverageBrightness > 255 {
			return nil, fmt.Errorf("tile %s has brightness %.2f outside 0..255", c.Key, c.AverageBrightness)
		}
		d.content[c.Key] = c
	}

	if d.TotalTiles == 0 {
		for _, g := range d.Levels {
			d.TotalTiles += g.Tiles
		}
	}
	return &d, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
