package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spacetiles/server/internal/fetch"
	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/render"
	"github.com/spacetiles/server/internal/session"
	"github.com/spacetiles/server/internal/viewport"
)

const testMetadata = `{
  "tile_size": 256,
  "format": "PNG",
  "zoom_levels": [
    {"level": 0, "width": 256, "height": 256},
    {"level": 1, "width": 512, "height": 300}
  ],
  "celestial_object": {"name": "Orion Nebula", "catalog_id": "M42"},
  "tiles": {"1": {"0": {"1": {"content": {"avg_brightness": 80}}}, "1": {"0": {"content": {"avg_brightness": 20}}}}}
}`

func writeTile(t *testing.T, dir string, level, row, col int) {
	t.Helper()
	p := filepath.Join(dir, itoa(level), itoa(row), itoa(col)+".png")
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func itoa(i int) string { return string(rune('0' + i)) }

func newPyramidDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(testMetadata), 0644); err != nil {
		t.Fatal(err)
	}
	writeTile(t, dir, 0, 0, 0)
	writeTile(t, dir, 1, 0, 0)
	writeTile(t, dir, 1, 0, 1)
	return dir
}

func TestTileService_GetTile(t *testing.T) {
	svc := NewTileService(TileServiceConfig{Name: "orion", TilesBasePath: newPyramidDir(t)})
	ctx := context.Background()

	data, contentType, err := svc.GetTile(ctx, pyramid.TileKey{Level: 1, Row: 0, Col: 1}, "png")
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if contentType != "image/png" || len(data) == 0 {
		t.Fatalf("unexpected tile: %q, %d bytes", contentType, len(data))
	}

	if _, _, err := svc.GetTile(ctx, pyramid.TileKey{Level: 1, Row: 2, Col: 0}, "png"); !errors.Is(err, ErrTileOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if _, _, err := svc.GetTile(ctx, pyramid.TileKey{Level: 5}, "png"); !errors.Is(err, ErrTileOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if _, _, err := svc.GetTile(ctx, pyramid.TileKey{Level: 0}, "jpg"); !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected format mismatch, got %v", err)
	}

	// Inside the grid but never generated.
	if _, _, err := svc.GetTile(ctx, pyramid.TileKey{Level: 1, Row: 1, Col: 1}, "png"); err == nil {
		t.Fatal("expected missing tile error")
	}

	info := svc.Info()
	if !info.Loaded || info.Levels != 2 || info.Width != 512 || info.CelestialObject == nil {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestTileService_LoadErrorIsTerminalUntilReload(t *testing.T) {
	dir := t.TempDir()
	svc := NewTileService(TileServiceConfig{TilesBasePath: dir})
	ctx := context.Background()

	_, err := svc.Descriptor(ctx)
	var mle *pyramid.MetadataLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("expected MetadataLoadError, got %v", err)
	}
	if info := svc.Info(); info.Loaded || info.Error == "" {
		t.Fatalf("unexpected info: %+v", info)
	}

	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(testMetadata), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Descriptor(ctx); err == nil {
		t.Fatal("expected the load error to stick")
	}

	d, err := svc.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if d.NumLevels() != 2 {
		t.Fatalf("expected 2 levels, got %d", d.NumLevels())
	}
}

func TestTileService_LevelContentAndVisible(t *testing.T) {
	svc := NewTileService(TileServiceConfig{TilesBasePath: newPyramidDir(t)})
	ctx := context.Background()

	content, err := svc.LevelContent(ctx, 1)
	if err != nil {
		t.Fatalf("LevelContent: %v", err)
	}
	if len(content) != 2 || content[0].Key.Col != 1 || content[1].Key.Row != 1 {
		t.Fatalf("unexpected content order: %+v", content)
	}
	if _, err := svc.LevelContent(ctx, 9); !errors.Is(err, ErrTileOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}

	refs, err := svc.Visible(ctx, viewport.State{ZoomLevel: 1, ViewportSize: viewport.Size{Width: 300, Height: 200}})
	if err != nil {
		t.Fatalf("Visible: %v", err)
	}
	if len(refs) != 2 || refs[1].Metadata == nil || refs[1].Metadata.AverageBrightness != 80 {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}

func TestTileService_Images(t *testing.T) {
	svc := NewTileService(TileServiceConfig{TilesBasePath: newPyramidDir(t)})
	ctx := context.Background()

	a, err := svc.BrightnessMap(ctx, 1, "viridis")
	if err != nil {
		t.Fatalf("BrightnessMap: %v", err)
	}
	b, err := svc.BrightnessMap(ctx, 1, "viridis")
	if err != nil {
		t.Fatalf("BrightnessMap: %v", err)
	}
	if &a[0] != &b[0] {
		t.Fatal("expected cached brightness map")
	}
	if _, err := svc.BrightnessMap(ctx, 4, ""); !errors.Is(err, ErrTileOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}

	frame, err := svc.RenderFrame(ctx, viewport.State{ZoomLevel: 1, ViewportSize: viewport.Size{Width: 640, Height: 480}}, []string{"zoom: 1"})
	if err != nil {
		t.Fatalf("RenderFrame: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if img.Bounds().Dx() != 640 || img.Bounds().Dy() != 480 {
		t.Fatalf("unexpected frame bounds %v", img.Bounds())
	}

	cfg, err := svc.SessionConfig(ctx, viewport.Size{Width: 10, Height: 10})
	if err != nil {
		t.Fatalf("SessionConfig: %v", err)
	}
	if cfg.Descriptor == nil || cfg.Fetcher == nil || cfg.Pyramid != "default" {
		t.Fatalf("unexpected session config: %+v", cfg)
	}
}

func TestTileService_RenderDebugFrame(t *testing.T) {
	svc := NewTileService(TileServiceConfig{TilesBasePath: newPyramidDir(t), InitialZoom: 1})
	ctx := context.Background()
	if svc.InitialZoom() != 1 {
		t.Fatalf("expected initial zoom 1, got %d", svc.InitialZoom())
	}

	st := viewport.State{ZoomLevel: 1, ViewportSize: viewport.Size{Width: 640, Height: 480}}
	plain, err := svc.RenderFrame(ctx, st, nil)
	if err != nil {
		t.Fatalf("RenderFrame: %v", err)
	}
	debug, err := svc.RenderDebugFrame(ctx, st)
	if err != nil {
		t.Fatalf("RenderDebugFrame: %v", err)
	}
	if bytes.Equal(plain, debug) {
		t.Fatal("expected the overlay to change the frame")
	}
	if _, err := png.Decode(bytes.NewReader(debug)); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
}

// flakySource fails its first download and serves files afterwards.
type flakySource struct {
	calls atomic.Int32
}

func (f *flakySource) Fetch(ctx context.Context, path string) ([]byte, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("connection reset")
	}
	return fetch.FileSource{}.Fetch(ctx, path)
}

func TestTileService_RenderSessionFrameKeepsFailedTiles(t *testing.T) {
	src := &flakySource{}
	svc := NewTileService(TileServiceConfig{
		TilesBasePath: newPyramidDir(t),
		Fetcher:       fetch.New(fetch.Config{Source: src}),
	})
	ctx := context.Background()

	cfg, err := svc.SessionConfig(ctx, viewport.Size{Width: 256, Height: 256})
	if err != nil {
		t.Fatalf("SessionConfig: %v", err)
	}
	s, err := session.New("v1", cfg)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()

	var snap session.Snapshot
	deadline := time.Now().Add(5 * time.Second)
	for {
		if snap, err = s.Snapshot(ctx); err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if len(snap.Tiles) == 1 && snap.Tiles[0].Status == session.TileFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tile never failed: %+v", snap.Tiles)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("expected one download, got %d", n)
	}

	frame, err := svc.RenderSessionFrame(ctx, snap, nil)
	if err != nil {
		t.Fatalf("RenderSessionFrame: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(frame)); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("failed tile was downloaded again: %d downloads", n)
	}
}

func TestTileService_RejectsOversizedFrames(t *testing.T) {
	src := &flakySource{}
	svc := NewTileService(TileServiceConfig{
		TilesBasePath: newPyramidDir(t),
		Fetcher:       fetch.New(fetch.Config{Source: src}),
	})
	ctx := context.Background()

	st := viewport.State{ViewportSize: viewport.Size{Width: viewport.MaxSide + 1, Height: 10}}
	if _, err := svc.RenderFrame(ctx, st, nil); !errors.Is(err, render.ErrFrameSize) {
		t.Fatalf("expected frame size error, got %v", err)
	}
	if _, err := svc.RenderDebugFrame(ctx, st); !errors.Is(err, render.ErrFrameSize) {
		t.Fatalf("expected frame size error, got %v", err)
	}
	if _, err := svc.RenderSessionFrame(ctx, session.Snapshot{State: st}, nil); !errors.Is(err, render.ErrFrameSize) {
		t.Fatalf("expected frame size error, got %v", err)
	}
	if n := src.calls.Load(); n != 0 {
		t.Fatalf("expected no downloads before the size check, got %d", n)
	}
}
