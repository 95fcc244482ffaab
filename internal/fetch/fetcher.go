// Package fetch retrieves tile images by URL through the tile cache.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/spacetiles/server/internal/cache"
	"github.com/spacetiles/server/internal/resolver"
)

const maxTileBytes = 32 << 20

// ErrNotFound is returned by sources when a tile does not exist.
var ErrNotFound = errors.New("tile not found")

// TileFetchError reports the failure of one tile. It never affects other tiles.
type TileFetchError struct {
	URL string
	Err error
}

func (e *TileFetchError) Error() string {
	return fmt.Sprintf("fetch tile %s: %v", e.URL, e.Err)
}

func (e *TileFetchError) Unwrap() error { return e.Err }

// Source loads raw tile bytes.
type Source interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPSource fetches http(s) URLs.
type HTTPSource struct {
	Client *http.Client
}

// Fetch implements Source.
func (s HTTPSource) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
}

// FileSource reads tiles from the local filesystem; URLs are paths.
type FileSource struct{}

// Fetch implements Source.
func (FileSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// AutoSource dispatches http(s) URLs to HTTP and everything else to files.
type AutoSource struct {
	HTTP HTTPSource
	File FileSource
}

// Fetch implements Source.
func (s AutoSource) Fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return s.HTTP.Fetch(ctx, url)
	}
	return s.File.Fetch(ctx, url)
}

// Config contains fetcher configuration.
type Config struct {
	Source Source
	Cache  *cache.Manager
	Logger *zap.Logger
	// Timeout bounds a single tile download (default 15s).
	Timeout time.Duration
	// Concurrency bounds parallel downloads in Prefetch (default 8).
	Concurrency int
}

// Fetcher downloads, caches and decodes tiles. Concurrent requests for the
// same URL share one download.
type Fetcher struct {
	source      Source
	cache       *cache.Manager
	logger      *zap.Logger
	timeout     time.Duration
	concurrency int
	group       singleflight.Group
}

// New creates a new fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Source == nil {
		cfg.Source = AutoSource{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Fetcher{
		source:      cfg.Source,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
	}
}

// Fetch returns the encoded bytes of the tile at url. A cancelled ctx
// abandons the wait; the shared download continues and fills the cache.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.cache != nil {
		if data, ok := f.cache.GetTile(url); ok {
			return data, nil
		}
	}

	ch := f.group.DoChan(url, func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()

		data, err := f.source.Fetch(dctx, url)
		if err != nil {
			return nil, err
		}
		if f.cache != nil {
			if err := f.cache.SetTile(url, data); err != nil {
				f.logger.Debug("tile not cached", zap.String("url", url), zap.Error(err))
			}
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, &TileFetchError{URL: url, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, &TileFetchError{URL: url, Err: res.Err}
		}
		return res.Val.([]byte), nil
	}
}

// Image returns the decoded tile at url, using the bitmap cache.
func (f *Fetcher) Image(ctx context.Context, url string) (image.Image, error) {
	if f.cache != nil {
		if img, ok := f.cache.Bitmaps().Get(url); ok {
			return img, nil
		}
	}
	data, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &TileFetchError{URL: url, Err: fmt.Errorf("decode: %w", err)}
	}
	if f.cache != nil {
		f.cache.Bitmaps().Add(url, img)
	}
	return img, nil
}

// Result is the outcome of one tile in a batch.
type Result struct {
	Ref   resolver.TileRef
	Image image.Image
	Err   error
}

// Failed reports whether the tile should be drawn degraded.
func (r Result) Failed() bool { return r.Err != nil }

// Images loads every ref with bounded concurrency and returns one result per
// ref, in input order. Failures are logged and recorded per tile; they never
// cancel siblings and are not retried.
func (f *Fetcher) Images(ctx context.Context, refs []resolver.TileRef) []Result {
	results := make([]Result, len(refs))
	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for i, ref := range refs {
		g.Go(func() error {
			img, err := f.Image(ctx, ref.URL)
			if err != nil && ctx.Err() == nil {
				f.logger.Warn("tile fetch failed", zap.String("tile", ref.Key.String()), zap.Error(err))
			}
			results[i] = Result{Ref: ref, Image: img, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
