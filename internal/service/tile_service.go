// Package service provides per-pyramid business logic for the tile server.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/spacetiles/server/internal/fetch"
	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/render"
	"github.com/spacetiles/server/internal/resolver"
	"github.com/spacetiles/server/internal/session"
	"github.com/spacetiles/server/internal/viewport"
)

var (
	// ErrTileOutOfRange is returned for coordinates outside the level grid.
	ErrTileOutOfRange = errors.New("tile out of range")
	// ErrFormatMismatch is returned when a tile is requested with the wrong extension.
	ErrFormatMismatch = errors.New("tile format mismatch")
)

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	Name          string
	TilesBasePath string
	MetadataURL   string
	InitialZoom   int
	ShowDebugInfo bool

	Loader         *pyramid.Loader
	Fetcher        *fetch.Fetcher
	Renderer       *render.Renderer
	PrefetchMargin int
	Concurrency    int
	Logger         *zap.Logger
}

// TileService serves one pyramid: its descriptor, tiles, frames and maps.
type TileService struct {
	cfg    TileServiceConfig
	logger *zap.Logger

	// The descriptor is loaded lazily; a failure is kept until Reload.
	mu      sync.Mutex
	desc    *pyramid.Descriptor
	loadErr error

	brightMu    sync.Mutex
	brightCache map[string][]byte
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) *TileService {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Loader == nil {
		cfg.Loader = pyramid.NewLoader(cfg.Logger)
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(fetch.Config{Logger: cfg.Logger})
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewRenderer(render.Config{})
	}
	return &TileService{
		cfg:         cfg,
		logger:      cfg.Logger.With(zap.String("pyramid", cfg.Name)),
		brightCache: make(map[string][]byte),
	}
}

// Name returns the pyramid name.
func (s *TileService) Name() string { return s.cfg.Name }

// TilesBasePath returns the tile URL base.
func (s *TileService) TilesBasePath() string { return s.cfg.TilesBasePath }

// InitialZoom returns the configured mount level.
func (s *TileService) InitialZoom() int { return s.cfg.InitialZoom }

// MetadataSource returns where the descriptor is loaded from.
func (s *TileService) MetadataSource() string {
	return pyramid.MetadataURL(s.cfg.TilesBasePath, s.cfg.MetadataURL)
}

// Descriptor returns the pyramid descriptor, loading it on first use.
func (s *TileService) Descriptor(ctx context.Context) (*pyramid.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc == nil && s.loadErr == nil {
		s.loadLocked(ctx)
	}
	return s.desc, s.loadErr
}

// Reload discards the current descriptor or load error and loads again.
func (s *TileService) Reload(ctx context.Context) (*pyramid.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc, s.loadErr = nil, nil
	s.loadLocked(ctx)

	s.brightMu.Lock()
	s.brightCache = make(map[string][]byte)
	s.brightMu.Unlock()
	return s.desc, s.loadErr
}

func (s *TileService) loadLocked(ctx context.Context) {
	source := s.MetadataSource()
	// Load errors stick until Reload; keep caller cancellation out of them.
	d, err := s.cfg.Loader.Load(context.WithoutCancel(ctx), source)
	if err != nil {
		s.loadErr = err
		s.logger.Error("pyramid metadata failed to load", zap.String("source", source), zap.Error(err))
		return
	}
	s.desc = d
	s.logger.Info("pyramid loaded",
		zap.String("source", source),
		zap.Int("levels", d.NumLevels()),
		zap.Int("tile_size", d.TileSize),
		zap.String("format", string(d.Format)),
		zap.Int("content_tiles", d.ContentCount()))
}

// PyramidInfo summarizes a pyramid for listings.
type PyramidInfo struct {
	Name            string                   `json:"name"`
	TilesBasePath   string                   `json:"tiles_base_path"`
	Loaded          bool                     `json:"loaded"`
	Error           string                   `json:"error,omitempty"`
	Levels          int                      `json:"levels,omitempty"`
	TileSize        int                      `json:"tile_size,omitempty"`
	Format          pyramid.Format           `json:"format,omitempty"`
	Width           int                      `json:"width,omitempty"`
	Height          int                      `json:"height,omitempty"`
	Gigapixels      float64                  `json:"gigapixels,omitempty"`
	CelestialObject *pyramid.CelestialObject `json:"celestial_object,omitempty"`
}

// Info returns the pyramid summary without forcing a load.
func (s *TileService) Info() PyramidInfo {
	s.mu.Lock()
	d, err := s.desc, s.loadErr
	s.mu.Unlock()

	info := PyramidInfo{Name: s.cfg.Name, TilesBasePath: s.cfg.TilesBasePath}
	if err != nil {
		info.Error = err.Error()
	}
	if d == nil {
		return info
	}
	top, _ := d.Level(d.MaxLevel())
	info.Loaded = true
	info.Levels = d.NumLevels()
	info.TileSize = d.TileSize
	info.Format = d.Format
	info.Width = top.Width
	info.Height = top.Height
	info.Gigapixels = d.Gigapixels()
	info.CelestialObject = d.CelestialObject
	return info
}

// GetTile returns the encoded bytes of one tile. ext must match the pyramid
// format.
func (s *TileService) GetTile(ctx context.Context, key pyramid.TileKey, ext string) ([]byte, string, error) {
	d, err := s.Descriptor(ctx)
	if err != nil {
		return nil, "", err
	}
	g, ok := d.Level(key.Level)
	if !ok || key.Row < 0 || key.Col < 0 || key.Row >= g.Rows || key.Col >= g.Cols {
		return nil, "", fmt.Errorf("%w: %s", ErrTileOutOfRange, key)
	}
	if want := d.Format.Ext(); !strings.EqualFold(ext, want) && !(want == "jpg" && strings.EqualFold(ext, "jpeg")) {
		return nil, "", fmt.Errorf("%w: want .%s", ErrFormatMismatch, want)
	}

	data, err := s.cfg.Fetcher.Fetch(ctx, resolver.TileURL(s.cfg.TilesBasePath, d.Format, key))
	if err != nil {
		return nil, "", err
	}
	return data, d.Format.ContentType(), nil
}

// LevelContent returns the tiles of level that carry metadata, row-major.
func (s *TileService) LevelContent(ctx context.Context, level int) ([]pyramid.TileContent, error) {
	d, err := s.Descriptor(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := d.Level(level); !ok {
		return nil, fmt.Errorf("%w: level %d", ErrTileOutOfRange, level)
	}
	m := d.LevelContent(level)
	out := make([]pyramid.TileContent, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Row != out[j].Key.Row {
			return out[i].Key.Row < out[j].Key.Row
		}
		return out[i].Key.Col < out[j].Key.Col
	})
	return out, nil
}

// Visible resolves the tiles covering a viewport without mounting a session.
func (s *TileService) Visible(ctx context.Context, st viewport.State) ([]resolver.TileRef, error) {
	d, err := s.Descriptor(ctx)
	if err != nil {
		return nil, err
	}
	return resolver.Refs(st, d, s.cfg.TilesBasePath), nil
}

// BrightnessMap renders the per-tile brightness PNG of level.
func (s *TileService) BrightnessMap(ctx context.Context, level int, colormapName string) ([]byte, error) {
	d, err := s.Descriptor(ctx)
	if err != nil {
		return nil, err
	}
	cacheKey := fmt.Sprintf("%d:%s", level, strings.ToLower(colormapName))

	s.brightMu.Lock()
	if data, ok := s.brightCache[cacheKey]; ok {
		s.brightMu.Unlock()
		return data, nil
	}
	s.brightMu.Unlock()

	if _, ok := d.Level(level); !ok {
		return nil, fmt.Errorf("%w: level %d", ErrTileOutOfRange, level)
	}
	img, err := s.cfg.Renderer.BrightnessMap(d, level, colormapName)
	if err != nil {
		return nil, err
	}
	data, err := s.cfg.Renderer.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	s.brightMu.Lock()
	s.brightCache[cacheKey] = data
	s.brightMu.Unlock()
	return data, nil
}

// errSessionTileFailed marks tiles a session has already given up on.
var errSessionTileFailed = errors.New("tile failed to load")

// RenderFrame fetches the visible tiles of st and composes them into a PNG.
func (s *TileService) RenderFrame(ctx context.Context, st viewport.State, overlay []string) ([]byte, error) {
	if err := render.CheckSize(st.ViewportSize); err != nil {
		return nil, err
	}
	d, err := s.Descriptor(ctx)
	if err != nil {
		return nil, err
	}
	results := s.cfg.Fetcher.Images(ctx, resolver.Refs(st, d, s.cfg.TilesBasePath))
	return s.compose(st, results, overlay)
}

// RenderSessionFrame composes the tiles of a mounted viewport. Tiles the
// session marked failed are drawn as placeholders and never refetched.
func (s *TileService) RenderSessionFrame(ctx context.Context, snap session.Snapshot, overlay []string) ([]byte, error) {
	if err := render.CheckSize(snap.State.ViewportSize); err != nil {
		return nil, err
	}

	results := make([]fetch.Result, len(snap.Tiles))
	refs := make([]resolver.TileRef, 0, len(snap.Tiles))
	idx := make([]int, 0, len(snap.Tiles))
	for i, tv := range snap.Tiles {
		if tv.Status == session.TileFailed {
			results[i] = fetch.Result{Ref: tv.TileRef, Err: &fetch.TileFetchError{URL: tv.URL, Err: errSessionTileFailed}}
			continue
		}
		refs = append(refs, tv.TileRef)
		idx = append(idx, i)
	}
	for j, r := range s.cfg.Fetcher.Images(ctx, refs) {
		results[idx[j]] = r
	}
	return s.compose(snap.State, results, overlay)
}

// RenderDebugFrame is RenderFrame with the diagnostic overlay of the frame's
// own fetch results.
func (s *TileService) RenderDebugFrame(ctx context.Context, st viewport.State) ([]byte, error) {
	if err := render.CheckSize(st.ViewportSize); err != nil {
		return nil, err
	}
	d, err := s.Descriptor(ctx)
	if err != nil {
		return nil, err
	}
	results := s.cfg.Fetcher.Images(ctx, resolver.Refs(st, d, s.cfg.TilesBasePath))

	g, _ := d.Level(st.ZoomLevel)
	info := session.DebugInfo{
		ZoomLevel:    st.ZoomLevel,
		PanOffset:    st.PanOffset,
		VisibleTiles: len(results),
		LevelWidth:   g.Width,
		LevelHeight:  g.Height,
		Cols:         g.Cols,
		Rows:         g.Rows,
		TileSize:     d.TileSize,
	}
	for _, r := range results {
		if r.Failed() {
			info.Failed++
		} else {
			info.Loaded++
		}
	}
	return s.compose(st, results, info.Lines())
}

func (s *TileService) compose(st viewport.State, results []fetch.Result, overlay []string) ([]byte, error) {
	img, err := s.cfg.Renderer.Frame(st.ViewportSize, results, overlay)
	if err != nil {
		return nil, err
	}
	return s.cfg.Renderer.EncodePNG(img)
}

// SessionConfig returns the mount configuration for a new viewport of size.
func (s *TileService) SessionConfig(ctx context.Context, size viewport.Size) (session.Config, error) {
	d, err := s.Descriptor(ctx)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Pyramid:        s.cfg.Name,
		Descriptor:     d,
		TilesBasePath:  s.cfg.TilesBasePath,
		InitialZoom:    s.cfg.InitialZoom,
		ViewportSize:   size,
		ShowDebugInfo:  s.cfg.ShowDebugInfo,
		PrefetchMargin: s.cfg.PrefetchMargin,
		Concurrency:    s.cfg.Concurrency,
		Fetcher:        s.cfg.Fetcher,
		Logger:         s.cfg.Logger,
	}, nil
}
