package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spacetiles/server/internal/session"
	"github.com/spacetiles/server/internal/viewport"
)

const (
	maxEventBody   = 1 << 20
	wsWriteTimeout = 10 * time.Second
)

type mountRequest struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// mountViewportHandler mounts a new viewport on the pyramid in context.
func mountViewportHandler(sessions *session.Manager, def viewport.Size) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getPyramidService(r)

		var req mountRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		size := def
		if req.Width != 0 || req.Height != 0 {
			size = viewport.Size{Width: req.Width, Height: req.Height}
		}
		if !size.Valid() {
			http.Error(w, fmt.Sprintf("width and height must be positive and at most %d", viewport.MaxSide), http.StatusBadRequest)
			return
		}

		cfg, err := svc.SessionConfig(r.Context(), size)
		if err != nil {
			writeError(w, err)
			return
		}
		s, err := sessions.Create(cfg)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := s.Snapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/viewports/"+s.ID())
		writeJSON(w, http.StatusCreated, snap)
	}
}

// sessionMiddleware resolves the viewport id and injects the session into context.
func sessionMiddleware(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			s, ok := sessions.Get(id)
			if !ok {
				http.Error(w, "viewport not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *session.Session {
	s, _ := r.Context().Value(sessionKey).(*session.Session)
	return s
}

func viewportSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := getSession(r).Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func viewportDeleteHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions.Delete(getSession(r).ID())
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeEvents accepts a single event object or an array of events.
func decodeEvents(body io.Reader) ([]session.Event, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxEventBody))
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty event body")
	}
	var events []session.Event
	if data[0] == '[' {
		err = json.Unmarshal(data, &events)
	} else {
		var ev session.Event
		err = json.Unmarshal(data, &ev)
		events = []session.Event{ev}
	}
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// viewportEventsHandler applies events in order and returns the final snapshot.
func viewportEventsHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	events, err := decodeEvents(r.Body)
	if err != nil {
		http.Error(w, "invalid events: "+err.Error(), http.StatusBadRequest)
		return
	}

	var snap session.Snapshot
	for _, ev := range events {
		if snap, err = s.Dispatch(r.Context(), ev); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func viewportTilesHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := getSession(r).Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"range": snap.Range,
		"tiles": snap.Tiles,
	})
}

// viewportFrameHandler renders the current view of a mounted viewport,
// with the debug overlay when the pyramid enables it.
func viewportFrameHandler(registry *PyramidRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := getSession(r)
		svc := registry.Get(s.Pyramid())
		if svc == nil {
			http.Error(w, "pyramid not found: "+s.Pyramid(), http.StatusNotFound)
			return
		}
		snap, err := s.Snapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		var overlay []string
		if snap.Debug != nil {
			overlay = snap.Debug.Lines()
		}
		data, err := svc.RenderSessionFrame(r.Context(), snap, overlay)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

// wsMessage is one outbound websocket frame.
type wsMessage struct {
	Type         string                `json:"type"`
	Snapshot     *session.Snapshot     `json:"snapshot,omitempty"`
	Notification *session.Notification `json:"notification,omitempty"`
	Error        string                `json:"error,omitempty"`
}

func originAllowed(origins []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// viewportSocketHandler streams a viewport over a websocket. Inbound frames
// are events, answered with snapshots; tile interactions are pushed as they
// happen.
func viewportSocketHandler(origins []string, logger *zap.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		s := getSession(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.String("session", s.ID()), zap.Error(err))
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxEventBody)

		notes, cancel := s.Subscribe()
		defer cancel()

		var writeMu sync.Mutex
		write := func(m wsMessage) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(m)
		}

		ctx := r.Context()
		if snap, err := s.Snapshot(ctx); err == nil {
			write(wsMessage{Type: "snapshot", Snapshot: &snap})
		}

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				var ev session.Event
				if err := conn.ReadJSON(&ev); err != nil {
					return
				}
				snap, err := s.Dispatch(ctx, ev)
				if errors.Is(err, session.ErrClosed) {
					return
				}
				if err != nil {
					if write(wsMessage{Type: "error", Error: err.Error()}) != nil {
						return
					}
					continue
				}
				if write(wsMessage{Type: "snapshot", Snapshot: &snap}) != nil {
					return
				}
			}
		}()

		for {
			select {
			case n := <-notes:
				if err := write(wsMessage{Type: n.Type, Notification: &n}); err != nil {
					conn.Close()
					<-readDone
					return
				}
			case <-s.Done():
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "viewport closed"),
					time.Now().Add(wsWriteTimeout))
				writeMu.Unlock()
				conn.Close()
				<-readDone
				return
			case <-readDone:
				return
			}
		}
	}
}
