// Package config handles configuration loading for the spacetiles server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Pyramids PyramidsConfig `yaml:"pyramids"`
	Cache    CacheConfig    `yaml:"cache"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Metadata MetadataConfig `yaml:"metadata"`
	Sessions SessionConfig  `yaml:"sessions"`
	Render   RenderConfig   `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig contains logging settings. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// PyramidConfig is the mount configuration of one tile pyramid.
type PyramidConfig struct {
	TilesBasePath string `yaml:"tiles_base_path"`
	MetadataURL   string `yaml:"metadata_url"`
	InitialZoom   int    `yaml:"initial_zoom"`
	ShowDebugInfo bool   `yaml:"show_debug_info"`
}

// PyramidsConfig holds every served pyramid in YAML order. The first one is
// the default.
type PyramidsConfig struct {
	Default  string
	Pyramids map[string]PyramidConfig
	order    []string
}

// UnmarshalYAML keeps the mapping order.
func (p *PyramidsConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("pyramids: expected a mapping, got %s", node.ShortTag())
	}
	p.Pyramids = make(map[string]PyramidConfig, len(node.Content)/2)
	p.order = p.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var pc PyramidConfig
		if err := node.Content[i+1].Decode(&pc); err != nil {
			return fmt.Errorf("pyramids.%s: %w", name, err)
		}
		if _, dup := p.Pyramids[name]; !dup {
			p.order = append(p.order, name)
		}
		p.Pyramids[name] = pc
	}
	if len(p.order) > 0 {
		p.Default = p.order[0]
	}
	return nil
}

// Names returns pyramid names in configuration order.
func (p PyramidsConfig) Names() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Get returns the named pyramid.
func (p PyramidsConfig) Get(name string) (PyramidConfig, bool) {
	pc, ok := p.Pyramids[name]
	return pc, ok
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	MaxTileKB      int `yaml:"max_tile_kb"`
	BitmapBudgetMB int `yaml:"bitmap_budget_mb"`
}

// FetchConfig contains tile download settings.
type FetchConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Concurrency    int `yaml:"concurrency"`
	// PrefetchMargin in tiles past the visible edge; negative disables it.
	PrefetchMargin int `yaml:"prefetch_margin"`
}

// MetadataConfig contains pyramid metadata loading settings.
type MetadataConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// Retries for transport failures; negative disables retrying.
	Retries int `yaml:"retries"`
}

// SessionConfig contains mounted viewport settings.
type SessionConfig struct {
	MaxSessions   int `yaml:"max_sessions"`
	IdleMinutes   int `yaml:"idle_minutes"`
	DefaultWidth  int `yaml:"default_width"`
	DefaultHeight int `yaml:"default_height"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap string  `yaml:"default_colormap"`
	DegradedOpacity float64 `yaml:"degraded_opacity"`
	CellSize        int     `yaml:"brightness_cell_size"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Pyramids: PyramidsConfig{
			Default:  "default",
			Pyramids: map[string]PyramidConfig{"default": {TilesBasePath: "./tiles"}},
			order:    []string{"default"},
		},
		Cache: CacheConfig{
			TileSizeMB:     256,
			TileTTLMinutes: 10,
			MaxTileKB:      1024,
			BitmapBudgetMB: 256,
		},
		Fetch: FetchConfig{
			TimeoutSeconds: 15,
			Concurrency:    8,
			PrefetchMargin: 1,
		},
		Metadata: MetadataConfig{
			TimeoutSeconds: 10,
			Retries:        1,
		},
		Sessions: SessionConfig{
			MaxSessions:   1000,
			IdleMinutes:   30,
			DefaultWidth:  1280,
			DefaultHeight: 800,
		},
		Render: RenderConfig{
			DefaultColormap: "inferno",
			DegradedOpacity: 0.3,
			CellSize:        4,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}
	if len(cfg.Pyramids.order) == 0 {
		cfg.Pyramids = defaults.Pyramids
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.MaxTileKB == 0 {
		cfg.Cache.MaxTileKB = defaults.Cache.MaxTileKB
	}
	if cfg.Cache.BitmapBudgetMB == 0 {
		cfg.Cache.BitmapBudgetMB = defaults.Cache.BitmapBudgetMB
	}
	if cfg.Fetch.TimeoutSeconds == 0 {
		cfg.Fetch.TimeoutSeconds = defaults.Fetch.TimeoutSeconds
	}
	if cfg.Fetch.Concurrency == 0 {
		cfg.Fetch.Concurrency = defaults.Fetch.Concurrency
	}
	if cfg.Fetch.PrefetchMargin == 0 {
		cfg.Fetch.PrefetchMargin = defaults.Fetch.PrefetchMargin
	}
	if cfg.Metadata.TimeoutSeconds == 0 {
		cfg.Metadata.TimeoutSeconds = defaults.Metadata.TimeoutSeconds
	}
	if cfg.Metadata.Retries == 0 {
		cfg.Metadata.Retries = defaults.Metadata.Retries
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
	if cfg.Sessions.IdleMinutes == 0 {
		cfg.Sessions.IdleMinutes = defaults.Sessions.IdleMinutes
	}
	if cfg.Sessions.DefaultWidth == 0 {
		cfg.Sessions.DefaultWidth = defaults.Sessions.DefaultWidth
	}
	if cfg.Sessions.DefaultHeight == 0 {
		cfg.Sessions.DefaultHeight = defaults.Sessions.DefaultHeight
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.DegradedOpacity == 0 {
		cfg.Render.DegradedOpacity = defaults.Render.DegradedOpacity
	}
	if cfg.Render.CellSize == 0 {
		cfg.Render.CellSize = defaults.Render.CellSize
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	for _, name := range c.Pyramids.Names() {
		pc := c.Pyramids.Pyramids[name]
		if pc.TilesBasePath == "" {
			return fmt.Errorf("pyramids.%s: tiles_base_path is required", name)
		}
		if pc.InitialZoom < 0 {
			return fmt.Errorf("pyramids.%s: initial_zoom must not be negative", name)
		}
	}
	if c.Render.DegradedOpacity < 0 || c.Render.DegradedOpacity > 1 {
		return fmt.Errorf("render.degraded_opacity must be within [0, 1]")
	}
	return nil
}

// TileTTL returns the encoded tile cache lifetime.
func (c *Config) TileTTL() time.Duration {
	return time.Duration(c.Cache.TileTTLMinutes) * time.Minute
}

// FetchTimeout returns the per-tile download timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// MetadataTimeout returns the per-attempt metadata timeout.
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.Metadata.TimeoutSeconds) * time.Second
}

// MetadataRetries returns the number of transport retries.
func (c *Config) MetadataRetries() int {
	return max(0, c.Metadata.Retries)
}

// PrefetchMargin returns the prefetch margin in tiles.
func (c *Config) PrefetchMargin() int {
	return max(0, c.Fetch.PrefetchMargin)
}

// IdleTimeout returns the session expiry.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleMinutes) * time.Minute
}
