package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spacetiles/server/internal/api"
	"github.com/spacetiles/server/internal/cache"
	"github.com/spacetiles/server/internal/config"
	"github.com/spacetiles/server/internal/fetch"
	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/render"
	"github.com/spacetiles/server/internal/service"
	"github.com/spacetiles/server/internal/viewport"
)

// stack is the set of shared components every command builds from config.
type stack struct {
	cache    *cache.Manager
	registry *api.PyramidRegistry
}

func (s *stack) close() {
	s.cache.Close()
}

func newStack(cfg *config.Config) (*stack, error) {
	// Initialize cache manager (shared across all pyramids)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         cfg.TileTTL(),
		MaxTileBytes:    cfg.Cache.MaxTileKB * 1024,
		BitmapBudgetMB:  cfg.Cache.BitmapBudgetMB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	fetcher := fetch.New(fetch.Config{
		Cache:       cacheManager,
		Logger:      logger,
		Timeout:     cfg.FetchTimeout(),
		Concurrency: cfg.Fetch.Concurrency,
	})
	renderer := render.NewRenderer(render.Config{
		DegradedOpacity: cfg.Render.DegradedOpacity,
		CellSize:        cfg.Render.CellSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})
	loader := pyramid.NewLoader(logger)
	loader.Timeout = cfg.MetadataTimeout()
	loader.Retries = cfg.MetadataRetries()

	names := cfg.Pyramids.Names()
	registry := api.NewPyramidRegistry(cfg.Pyramids.Default, names, "")
	for _, name := range names {
		pc, _ := cfg.Pyramids.Get(name)
		registry.Register(name, service.NewTileService(service.TileServiceConfig{
			Name:           name,
			TilesBasePath:  pc.TilesBasePath,
			MetadataURL:    pc.MetadataURL,
			InitialZoom:    pc.InitialZoom,
			ShowDebugInfo:  pc.ShowDebugInfo,
			Loader:         loader,
			Fetcher:        fetcher,
			Renderer:       renderer,
			PrefetchMargin: cfg.PrefetchMargin(),
			Concurrency:    cfg.Fetch.Concurrency,
			Logger:         logger,
		}))
	}

	return &stack{cache: cacheManager, registry: registry}, nil
}

// pyramidArg returns the service named by the first argument, or the default.
func (s *stack) pyramidArg(args []string) (*service.TileService, error) {
	if len(args) == 0 {
		return s.registry.Default(), nil
	}
	svc := s.registry.Get(args[0])
	if svc == nil {
		return nil, fmt.Errorf("unknown pyramid %q (configured: %v)", args[0], s.registry.Names())
	}
	return svc, nil
}

// viewFlags describe a viewport on the command line.
type viewFlags struct {
	zoom          int
	width, height float64
	x, y          float64
}

func (f *viewFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.zoom, "zoom", -1, "Zoom level (default: the pyramid's initial zoom)")
	cmd.Flags().Float64Var(&f.width, "width", 1280, "Viewport width in pixels")
	cmd.Flags().Float64Var(&f.height, "height", 800, "Viewport height in pixels")
	cmd.Flags().Float64Var(&f.x, "x", 0, "Pan offset x (default: centred)")
	cmd.Flags().Float64Var(&f.y, "y", 0, "Pan offset y (default: centred)")
}

// state builds the viewport: centred on the level, then panned when x or y
// were given.
func (f *viewFlags) state(cmd *cobra.Command, d *pyramid.Descriptor, initialZoom int) (viewport.State, error) {
	if f.width <= 0 || f.height <= 0 {
		return viewport.State{}, fmt.Errorf("width and height must be positive")
	}
	zoom := f.zoom
	if zoom < 0 {
		zoom = initialZoom
	}
	st := viewport.State{ViewportSize: viewport.Size{Width: f.width, Height: f.height}}
	st = st.CenterAtLevel(d, d.ClampLevel(zoom))
	if cmd.Flags().Changed("x") {
		st.PanOffset.X = f.x
	}
	if cmd.Flags().Changed("y") {
		st.PanOffset.Y = f.y
	}
	return st, nil
}
