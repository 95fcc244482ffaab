// Package cache provides the two-tier tile cache: encoded tile bytes and
// decoded bitmaps.
package cache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	// MaxTileBytes is the largest encoded tile accepted (default 1MB).
	MaxTileBytes   int
	BitmapBudgetMB int
}

// Manager holds the encoded tile cache and the decoded bitmap cache.
type Manager struct {
	tiles   *bigcache.BigCache
	bitmaps *BitmapCache
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.MaxTileBytes <= 0 {
		cfg.MaxTileBytes = 1 << 20
	}
	if cfg.TileCacheSizeMB <= 0 {
		cfg.TileCacheSizeMB = 64
	}
	if cfg.BitmapBudgetMB <= 0 {
		cfg.BitmapBudgetMB = 128
	}

	tileCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       cfg.MaxTileBytes,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tiles, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	bitmaps, err := NewBitmapCache(int64(cfg.BitmapBudgetMB) << 20)
	if err != nil {
		tiles.Close()
		return nil, err
	}

	return &Manager{tiles: tiles, bitmaps: bitmaps}, nil
}

// GetTile retrieves encoded tile bytes by URL.
func (m *Manager) GetTile(url string) ([]byte, bool) {
	data, err := m.tiles.Get(url)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores encoded tile bytes.
func (m *Manager) SetTile(url string, data []byte) error {
	return m.tiles.Set(url, data)
}

// Bitmaps returns the decoded bitmap cache.
func (m *Manager) Bitmaps() *BitmapCache {
	return m.bitmaps
}

// Stats is a point-in-time view of cache occupancy.
type Stats struct {
	TileEntries  int   `json:"tile_entries"`
	TileBytes    int   `json:"tile_capacity_bytes"`
	TileHits     int64 `json:"tile_hits"`
	TileMisses   int64 `json:"tile_misses"`
	BitmapCount  int   `json:"bitmap_entries"`
	BitmapBytes  int64 `json:"bitmap_bytes"`
	BitmapBudget int64 `json:"bitmap_budget_bytes"`
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	s := m.tiles.Stats()
	return Stats{
		TileEntries:  m.tiles.Len(),
		TileBytes:    m.tiles.Capacity(),
		TileHits:     s.Hits,
		TileMisses:   s.Misses,
		BitmapCount:  m.bitmaps.Len(),
		BitmapBytes:  m.bitmaps.Bytes(),
		BitmapBudget: m.bitmaps.Budget(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.bitmaps.Purge()
	return m.tiles.Close()
}

// BitmapCache is an LRU of decoded tiles bounded by total pixel memory.
type BitmapCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, image.Image]
	used   int64
	budget int64
}

// maxBitmapEntries caps the LRU independently of the byte budget.
const maxBitmapEntries = 1 << 16

// NewBitmapCache creates a cache holding at most budget bytes of pixels.
func NewBitmapCache(budget int64) (*BitmapCache, error) {
	if budget <= 0 {
		return nil, errors.New("bitmap budget must be positive")
	}
	c := &BitmapCache{budget: budget}
	l, err := lru.NewWithEvict[string, image.Image](maxBitmapEntries, func(_ string, img image.Image) {
		c.used -= Cost(img)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bitmap cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// Cost is the memory charged for img, 4 bytes per pixel.
func Cost(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// Get returns the bitmap for key and marks it recently used.
func (c *BitmapCache) Get(key string) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Add stores img, evicting least recently used bitmaps until the budget
// holds. Bitmaps larger than the whole budget are not cached.
func (c *BitmapCache) Add(key string, img image.Image) bool {
	cost := Cost(img)
	if cost > c.budget {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an entry runs the evict callback for the old value.
	c.lru.Remove(key)
	c.lru.Add(key, img)
	c.used += cost
	for c.used > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	return true
}

// Len returns the number of cached bitmaps.
func (c *BitmapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the memory charged to cached bitmaps.
func (c *BitmapCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Budget returns the configured byte budget.
func (c *BitmapCache) Budget() int64 {
	return c.budget
}

// Purge drops every bitmap.
func (c *BitmapCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
