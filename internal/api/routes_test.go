package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spacetiles/server/internal/cache"
	"github.com/spacetiles/server/internal/fetch"
	"github.com/spacetiles/server/internal/service"
	"github.com/spacetiles/server/internal/session"
	"github.com/spacetiles/server/internal/viewport"
)

// Level 1 is a 2x2 grid; content sits on 1/0/1 and 1/1/0.
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

// testServer holds the test server and its dependencies
type testServer struct {
	server   *httptest.Server
	cache    *cache.Manager
	sessions *session.Manager
}

func writeTile(t *testing.T, dir string, level, row, col int) {
	t.Helper()
	p := filepath.Join(dir, strconv.Itoa(level), strconv.Itoa(row), strconv.Itoa(col)+".png")
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

// setupTestServer serves "orion" from a temp dir and "broken" from a
// directory without metadata.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(testMetadata), 0644); err != nil {
		t.Fatal(err)
	}
	writeTile(t, dir, 0, 0, 0)
	writeTile(t, dir, 1, 0, 0)
	writeTile(t, dir, 1, 0, 1)

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 8,
		TileTTL:         time.Minute,
		BitmapBudgetMB:  8,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	fetcher := fetch.New(fetch.Config{Cache: cacheManager})

	registry := NewPyramidRegistry("orion", nil, "Test Sky")
	registry.Register("orion", service.NewTileService(service.TileServiceConfig{
		Name:          "orion",
		TilesBasePath: dir,
		InitialZoom:   1,
		ShowDebugInfo: true,
		Fetcher:       fetcher,
	}))
	registry.Register("broken", service.NewTileService(service.TileServiceConfig{
		Name:          "broken",
		TilesBasePath: t.TempDir(),
		Fetcher:       fetcher,
	}))

	sessions := session.NewManager(session.ManagerConfig{MaxSessions: 2})
	router := NewRouter(RouterConfig{
		Registry:        registry,
		Sessions:        sessions,
		Cache:           cacheManager,
		CORSOrigins:     []string{"http://localhost:5173"},
		DefaultViewport: viewport.Size{Width: 800, Height: 600},
	})

	ts := &testServer{
		server:   httptest.NewServer(router),
		cache:    cacheManager,
		sessions: sessions,
	}
	t.Cleanup(ts.close)
	return ts
}

func (ts *testServer) close() {
	ts.server.Close()
	ts.sessions.CloseWhere(func(*session.Session) bool { return true })
	ts.cache.Close()
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func (ts *testServer) send(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, expected) {
		t.Errorf("Expected Content-Type %q, got %q", expected, ct)
	}
}

func assertPNG(t *testing.T, body []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Response is not a valid PNG: %v", err)
	}
	return img
}

func decodeJSON(t *testing.T, body []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to parse JSON %q: %v", body, err)
	}
}

func mountViewport(t *testing.T, ts *testServer, body string) session.Snapshot {
	t.Helper()
	resp, data := ts.send(t, http.MethodPost, "/p/orion/api/viewports", body)
	assertStatusCode(t, resp, http.StatusCreated)
	var snap session.Snapshot
	decodeJSON(t, data, &snap)
	if snap.ID == "" {
		t.Fatal("expected a viewport id")
	}
	return snap
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/health")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", body)
	}
}

func TestPyramidsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/pyramids")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	var out struct {
		Default  string                `json:"default"`
		Title    string                `json:"title"`
		Pyramids []service.PyramidInfo `json:"pyramids"`
	}
	decodeJSON(t, body, &out)
	if out.Default != "orion" || out.Title != "Test Sky" {
		t.Errorf("unexpected listing: %+v", out)
	}
	if len(out.Pyramids) != 2 || out.Pyramids[0].Name != "orion" || out.Pyramids[1].Name != "broken" {
		t.Errorf("unexpected pyramids: %+v", out.Pyramids)
	}
}

func TestTileEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/p/orion/tiles/1/0/1.png")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/png")
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("unexpected Cache-Control %q", cc)
	}
	assertPNG(t, body)

	cases := map[string]int{
		"/p/orion/tiles/1/5/0.png":   http.StatusNotFound,   // out of range
		"/p/orion/tiles/1/1/1.png":   http.StatusNotFound,   // in range, no file
		"/p/orion/tiles/1/0/0.jpg":   http.StatusNotFound,   // wrong format
		"/p/orion/tiles/x/0/0.png":   http.StatusBadRequest, // bad level
		"/p/orion/tiles/1/0/0":       http.StatusBadRequest, // no extension
		"/p/nowhere/tiles/0/0/0.png": http.StatusNotFound,
	}
	for path, want := range cases {
		t.Run(path, func(t *testing.T) {
			resp, _ := ts.get(t, path)
			assertStatusCode(t, resp, want)
		})
	}
}

func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/p/orion/api/metadata")
	assertStatusCode(t, resp, http.StatusOK)

	var out map[string]interface{}
	decodeJSON(t, body, &out)
	for _, field := range []string{"tile_size", "format", "zoom_levels", "content_tiles", "name"} {
		if _, ok := out[field]; !ok {
			t.Errorf("Missing field %q", field)
		}
	}
	if out["content_tiles"].(float64) != 2 {
		t.Errorf("expected 2 content tiles, got %v", out["content_tiles"])
	}
}

func TestMetadataLoadFailure(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := ts.get(t, "/p/broken/api/metadata")
	assertStatusCode(t, resp, http.StatusServiceUnavailable)

	resp, _ = ts.send(t, http.MethodPost, "/p/broken/api/viewports", "")
	assertStatusCode(t, resp, http.StatusServiceUnavailable)

	resp, _ = ts.get(t, "/p/broken/tiles/0/0/0.png")
	assertStatusCode(t, resp, http.StatusServiceUnavailable)

	// The listing reports the error without failing.
	resp, body := ts.get(t, "/api/pyramids")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), "error") {
		t.Errorf("expected load error in listing: %s", body)
	}
}

func TestLevelEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/p/orion/api/levels/1/content")
	assertStatusCode(t, resp, http.StatusOK)
	var content struct {
		Level int `json:"level"`
		Tiles []struct {
			AverageBrightness float64 `json:"average_brightness"`
		} `json:"tiles"`
	}
	decodeJSON(t, body, &content)
	if len(content.Tiles) != 2 || content.Tiles[0].AverageBrightness != 80 {
		t.Errorf("unexpected level content: %+v", content)
	}

	resp, body = ts.get(t, "/p/orion/api/levels/1/brightness.png?colormap=viridis")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/png")
	assertPNG(t, body)

	resp, _ = ts.get(t, "/p/orion/api/levels/1/brightness.png?colormap=rainbow")
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, _ = ts.get(t, "/p/orion/api/levels/9/content")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestVisibleAndFrameEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/p/orion/api/visible?zoom=1&width=800&height=600")
	assertStatusCode(t, resp, http.StatusOK)
	var visible struct {
		State viewport.State `json:"state"`
		Tiles []struct {
			URL string `json:"url"`
		} `json:"tiles"`
	}
	decodeJSON(t, body, &visible)
	if visible.State.PanOffset != (viewport.Point{X: 144, Y: 150}) {
		t.Errorf("expected centred offset, got %+v", visible.State.PanOffset)
	}
	if len(visible.Tiles) != 4 {
		t.Errorf("expected 4 visible tiles, got %d", len(visible.Tiles))
	}

	resp, body = ts.get(t, "/p/orion/api/frame.png?zoom=1&width=320&height=200")
	assertStatusCode(t, resp, http.StatusOK)
	if b := assertPNG(t, body).Bounds(); b.Dx() != 320 || b.Dy() != 200 {
		t.Errorf("unexpected frame size %v", b)
	}

	resp, _ = ts.get(t, "/p/orion/api/visible?width=-1")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.get(t, "/p/orion/api/frame.png?width=100000&height=10")
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestViewportLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	snap := mountViewport(t, ts, `{"width": 800, "height": 600}`)
	if snap.State.ZoomLevel != 1 || snap.State.PanOffset != (viewport.Point{X: 144, Y: 150}) {
		t.Errorf("unexpected initial state: %+v", snap.State)
	}
	if snap.Debug == nil {
		t.Error("expected debug info")
	}
	base := "/api/viewports/" + snap.ID

	resp, body := ts.send(t, http.MethodPost, base+"/events", `[
		{"type": "pointer_down", "x": 100, "y": 100},
		{"type": "pointer_move", "x": 120, "y": 90},
		{"type": "pointer_up"}
	]`)
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &snap)
	if snap.State.PanOffset != (viewport.Point{X: 164, Y: 140}) {
		t.Errorf("unexpected offset after drag: %+v", snap.State.PanOffset)
	}

	resp, body = ts.send(t, http.MethodPost, base+"/events", `{"type": "zoom_out"}`)
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &snap)
	if snap.State.ZoomLevel != 0 {
		t.Errorf("expected level 0, got %d", snap.State.ZoomLevel)
	}

	resp, _ = ts.send(t, http.MethodPost, base+"/events", `{"type": "teleport"}`)
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.send(t, http.MethodPost, base+"/events", `not json`)
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.get(t, base+"/tiles")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), `"status"`) {
		t.Errorf("expected tile statuses: %s", body)
	}

	resp, body = ts.get(t, base+"/frame.png")
	assertStatusCode(t, resp, http.StatusOK)
	if b := assertPNG(t, body).Bounds(); b.Dx() != 800 || b.Dy() != 600 {
		t.Errorf("unexpected frame size %v", b)
	}

	resp, _ = ts.send(t, http.MethodDelete, base, "")
	assertStatusCode(t, resp, http.StatusNoContent)
	resp, _ = ts.get(t, base)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestViewportDefaultsAndLimits(t *testing.T) {
	ts := setupTestServer(t)

	snap := mountViewport(t, ts, "")
	if snap.State.ViewportSize != (viewport.Size{Width: 800, Height: 600}) {
		t.Errorf("expected default size, got %+v", snap.State.ViewportSize)
	}
	mountViewport(t, ts, `{"width": 100, "height": 100}`)

	resp, _ := ts.send(t, http.MethodPost, "/p/orion/api/viewports", `{"width": 10, "height": 10}`)
	assertStatusCode(t, resp, http.StatusTooManyRequests)

	resp, _ = ts.send(t, http.MethodPost, "/p/orion/api/viewports", `{"width": -5, "height": 10}`)
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestViewportRejectsOversizedAndNonFiniteInput(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := ts.send(t, http.MethodPost, "/p/orion/api/viewports", `{"width": 100000, "height": 10}`)
	assertStatusCode(t, resp, http.StatusBadRequest)

	snap := mountViewport(t, ts, `{"width": 800, "height": 600}`)
	base := "/api/viewports/" + snap.ID

	resp, _ = ts.send(t, http.MethodPost, base+"/events", `{"type": "resize", "width": 1e9, "height": 600}`)
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body := ts.send(t, http.MethodPost, base+"/events", `{"type": "pan", "dx": 1e308}`)
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &snap)
	if len(snap.Tiles) != 0 {
		t.Errorf("expected no tiles far off the mosaic, got %d", len(snap.Tiles))
	}
	resp, _ = ts.send(t, http.MethodPost, base+"/events", `{"type": "pan", "dx": 1e308}`)
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.get(t, base)
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &snap)
	if snap.State.ViewportSize != (viewport.Size{Width: 800, Height: 600}) {
		t.Errorf("rejected resize changed the size: %+v", snap.State.ViewportSize)
	}

	resp, _ = ts.get(t, "/p/orion/api/visible?x=NaN")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.get(t, "/p/orion/api/visible?y=-Inf")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.get(t, "/p/orion/api/visible?width=9000&height=10")
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.get(t, "/p/orion/api/visible?x=1e30&width=800&height=600")
	assertStatusCode(t, resp, http.StatusOK)
	var visible struct {
		Tiles []json.RawMessage `json:"tiles"`
	}
	decodeJSON(t, body, &visible)
	if len(visible.Tiles) != 0 {
		t.Errorf("expected no visible tiles, got %d", len(visible.Tiles))
	}
}

func TestReloadClosesViewports(t *testing.T) {
	ts := setupTestServer(t)

	snap := mountViewport(t, ts, "")
	resp, body := ts.send(t, http.MethodPost, "/p/orion/api/reload", "")
	assertStatusCode(t, resp, http.StatusOK)

	var out struct {
		Closed int `json:"closed_sessions"`
	}
	decodeJSON(t, body, &out)
	if out.Closed != 1 {
		t.Errorf("expected 1 closed viewport, got %d", out.Closed)
	}
	resp, _ = ts.get(t, "/api/viewports/"+snap.ID)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestStatsAndColormaps(t *testing.T) {
	ts := setupTestServer(t)
	mountViewport(t, ts, "")

	resp, body := ts.get(t, "/api/stats")
	assertStatusCode(t, resp, http.StatusOK)
	var stats struct {
		Sessions int         `json:"sessions"`
		Cache    cache.Stats `json:"cache"`
	}
	decodeJSON(t, body, &stats)
	if stats.Sessions != 1 {
		t.Errorf("expected 1 session, got %d", stats.Sessions)
	}

	resp, body = ts.get(t, "/api/colormaps")
	assertStatusCode(t, resp, http.StatusOK)
	var cms struct {
		Default   string   `json:"default"`
		Colormaps []string `json:"colormaps"`
	}
	decodeJSON(t, body, &cms)
	if cms.Default != "inferno" || len(cms.Colormaps) == 0 {
		t.Errorf("unexpected colormaps: %+v", cms)
	}
}

func TestViewportWebsocket(t *testing.T) {
	ts := setupTestServer(t)
	snap := mountViewport(t, ts, "")

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/api/viewports/" + snap.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "snapshot" || msg.Snapshot == nil || msg.Snapshot.ID != snap.ID {
		t.Fatalf("expected initial snapshot, got %+v", msg)
	}

	// Offset (144, 150): screen (444, 250) lies on tile 1/0/1.
	if err := conn.WriteJSON(session.Event{Kind: session.Click, X: 444, Y: 250}); err != nil {
		t.Fatalf("write: %v", err)
	}
	seen := map[string]bool{}
	for len(seen) < 2 {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		seen[msg.Type] = true
		if msg.Type == session.NotifyTileClick {
			if msg.Notification == nil || msg.Notification.Metadata == nil || msg.Notification.Metadata.AverageBrightness != 80 {
				t.Errorf("unexpected click notification: %+v", msg.Notification)
			}
		}
	}
	if !seen["snapshot"] || !seen[session.NotifyTileClick] {
		t.Errorf("expected snapshot and click, got %v", seen)
	}

	if err := conn.WriteJSON(session.Event{Kind: "teleport"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" {
		t.Errorf("expected error frame, got %+v", msg)
	}
}

func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.server.URL+"/api/pyramids", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("unexpected Access-Control-Allow-Origin %q", got)
	}
}
