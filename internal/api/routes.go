// Package api provides HTTP handlers for the spacetiles server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/spacetiles/server/internal/cache"
	"github.com/spacetiles/server/internal/fetch"
	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/render"
	"github.com/spacetiles/server/internal/service"
	"github.com/spacetiles/server/internal/session"
	"github.com/spacetiles/server/internal/viewport"
	"github.com/spacetiles/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *PyramidRegistry
	Sessions    *session.Manager
	Cache       *cache.Manager
	CORSOrigins []string
	// DefaultViewport is used when a mount request omits its size.
	DefaultViewport viewport.Size
	Logger          *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(session.ManagerConfig{Logger: cfg.Logger})
	}
	if cfg.DefaultViewport.Width <= 0 || cfg.DefaultViewport.Height <= 0 {
		cfg.DefaultViewport = viewport.Size{Width: 1280, Height: 800}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/pyramids", pyramidsHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)
	r.Get("/api/stats", statsHandler(cfg))

	// Mounted viewports
	r.Route("/api/viewports/{id}", func(r chi.Router) {
		r.Use(sessionMiddleware(cfg.Sessions))
		r.Get("/", viewportSnapshotHandler)
		r.Delete("/", viewportDeleteHandler(cfg.Sessions))
		r.Post("/events", viewportEventsHandler)
		r.Get("/tiles", viewportTilesHandler)
		r.Get("/frame.png", viewportFrameHandler(cfg.Registry))
		r.Get("/ws", viewportSocketHandler(cfg.CORSOrigins, cfg.Logger))
	})

	// Pyramid-scoped routes: /p/{pyramid}/...
	r.Route("/p/{pyramid}", func(r chi.Router) {
		r.Use(pyramidMiddleware(cfg.Registry))

		// NOTE: chi treats '.' as a delimiter inside a segment, so `{col}.{ext}`
		// is captured as one {file} param and split in the handler.
		r.Get("/tiles/{z}/{row}/{file}", tileHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Post("/reload", reloadHandler(cfg.Sessions))
			r.Get("/visible", visibleHandler)
			r.Get("/frame.png", frameHandler)
			r.Get("/levels/{z}/content", levelContentHandler)
			r.Get("/levels/{z}/brightness.png", brightnessHandler)
			r.Post("/viewports", mountViewportHandler(cfg.Sessions, cfg.DefaultViewport))
		})
	})

	return r
}

// Context keys for request-scoped services.
type ctxKey string

const (
	pyramidServiceKey ctxKey = "pyramidService"
	sessionKey        ctxKey = "session"
)

// pyramidMiddleware resolves the pyramid from URL and injects its tile service into context.
func pyramidMiddleware(registry *PyramidRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "pyramid")
			svc := registry.Get(name)
			if svc == nil {
				http.Error(w, "pyramid not found: "+name, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), pyramidServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getPyramidService(r *http.Request) *service.TileService {
	if svc, ok := r.Context().Value(pyramidServiceKey).(*service.TileService); ok {
		return svc
	}
	return nil
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var mle *pyramid.MetadataLoadError
	switch {
	case errors.As(err, &mle):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, service.ErrTileOutOfRange),
		errors.Is(err, service.ErrFormatMismatch),
		errors.Is(err, fetch.ErrNotFound),
		errors.Is(err, session.ErrClosed):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, render.ErrFrameSize),
		errors.Is(err, session.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrTooManySessions):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		var tfe *fetch.TileFetchError
		if errors.As(err, &tfe) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// pyramidsHandler returns the list of served pyramids.
func pyramidsHandler(registry *PyramidRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultName(),
			"pyramids": registry.Pyramids(),
			"title":    registry.Title(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":   colormap.Default,
		"colormaps": colormap.Names(),
	})
}

func statsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{}
		if cfg.Cache != nil {
			resp["cache"] = cfg.Cache.Stats()
		}
		if cfg.Sessions != nil {
			resp["sessions"] = cfg.Sessions.Count()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// tileHandler serves /tiles/{z}/{row}/{col}.{ext}.
func tileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getPyramidService(r)
	if svc == nil {
		http.Error(w, "pyramid service not found", http.StatusInternalServerError)
		return
	}

	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		http.Error(w, "invalid z", http.StatusBadRequest)
		return
	}
	row, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		http.Error(w, "invalid row", http.StatusBadRequest)
		return
	}
	colStr, ext, ok := strings.Cut(chi.URLParam(r, "file"), ".")
	if !ok {
		http.Error(w, "missing tile extension", http.StatusBadRequest)
		return
	}
	col, err := strconv.Atoi(colStr)
	if err != nil {
		http.Error(w, "invalid col", http.StatusBadRequest)
		return
	}

	data, contentType, err := svc.GetTile(r.Context(), pyramid.TileKey{Level: z, Row: row, Col: col}, ext)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

type metadataResponse struct {
	*pyramid.Descriptor
	Name         string  `json:"name"`
	ContentTiles int     `json:"content_tiles"`
	Gigapixels   float64 `json:"gigapixels"`
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getPyramidService(r)
	d, err := svc.Descriptor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metadataResponse{
		Descriptor:   d,
		Name:         svc.Name(),
		ContentTiles: d.ContentCount(),
		Gigapixels:   d.Gigapixels(),
	})
}

// reloadHandler reloads the pyramid metadata. Mounted viewports hold the
// previous descriptor, so they are closed.
func reloadHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getPyramidService(r)
		closed := 0
		if sessions != nil {
			closed = sessions.CloseWhere(func(s *session.Session) bool { return s.Pyramid() == svc.Name() })
		}
		if _, err := svc.Reload(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pyramid":         svc.Info(),
			"closed_sessions": closed,
		})
	}
}

// parseState reads a viewport state from zoom, x, y, width and height query
// parameters. Missing x and y center the level.
func parseState(r *http.Request, d *pyramid.Descriptor) (viewport.State, error) {
	q := r.URL.Query()
	num := func(name string, def float64) (float64, error) {
		v := q.Get(name)
		if v == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || !viewport.Finite(f) {
			return 0, errors.New("invalid " + name)
		}
		return f, nil
	}

	zoom, err := num("zoom", 0)
	if err != nil {
		return viewport.State{}, err
	}
	width, err := num("width", 1280)
	if err != nil {
		return viewport.State{}, err
	}
	height, err := num("height", 800)
	if err != nil {
		return viewport.State{}, err
	}
	size := viewport.Size{Width: width, Height: height}
	if !size.Valid() {
		return viewport.State{}, fmt.Errorf("width and height must be positive and at most %d", viewport.MaxSide)
	}

	st := viewport.State{ViewportSize: size}
	zoom = math.Max(-1, math.Min(zoom, float64(d.NumLevels())))
	st = st.CenterAtLevel(d, d.ClampLevel(int(zoom)))
	x, err := num("x", st.PanOffset.X)
	if err != nil {
		return viewport.State{}, err
	}
	y, err := num("y", st.PanOffset.Y)
	if err != nil {
		return viewport.State{}, err
	}
	st.PanOffset = viewport.Point{X: x, Y: y}
	return st, nil
}

// visibleHandler resolves the visible tiles of a viewport given by query.
func visibleHandler(w http.ResponseWriter, r *http.Request) {
	svc := getPyramidService(r)
	d, err := svc.Descriptor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := parseState(r, d)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	refs, err := svc.Visible(r.Context(), st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": st,
		"tiles": refs,
	})
}

// frameHandler renders a viewport given by query without mounting it;
// debug=true adds the diagnostic overlay.
func frameHandler(w http.ResponseWriter, r *http.Request) {
	svc := getPyramidService(r)
	d, err := svc.Descriptor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := parseState(r, d)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var data []byte
	if debug, _ := strconv.ParseBool(r.URL.Query().Get("debug")); debug {
		data, err = svc.RenderDebugFrame(r.Context(), st)
	} else {
		data, err = svc.RenderFrame(r.Context(), st, nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func levelParam(r *http.Request) (int, error) {
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return 0, errors.New("invalid z")
	}
	return z, nil
}

func levelContentHandler(w http.ResponseWriter, r *http.Request) {
	svc := getPyramidService(r)
	z, err := levelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	content, err := svc.LevelContent(r.Context(), z)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"level": z,
		"tiles": content,
	})
}

func brightnessHandler(w http.ResponseWriter, r *http.Request) {
	svc := getPyramidService(r)
	z, err := levelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("colormap")
	if name != "" {
		if _, ok := colormap.Lookup(name); !ok {
			http.Error(w, "unknown colormap: "+name, http.StatusBadRequest)
			return
		}
	}
	data, err := svc.BrightnessMap(r.Context(), z, name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}
