// Package session hosts mounted viewports. Each session owns one viewport
// controller inside a single goroutine; every state change happens there and
// readers receive copies.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/spacetiles/server/internal/fetch"
	"github.com/spacetiles/server/internal/pyramid"
	"github.com/spacetiles/server/internal/resolver"
	"github.com/spacetiles/server/internal/viewport"
)

// ErrClosed is returned when talking to a closed session.
var ErrClosed = errors.New("session closed")

// ErrInvalidState is returned when an event would move the viewport to a
// position that cannot be represented. The event is not applied.
var ErrInvalidState = errors.New("event leaves viewport in an invalid state")

// TileStatus is the load state of a visible tile.
type TileStatus string

const (
	TilePending TileStatus = "pending"
	TileLoaded  TileStatus = "loaded"
	// TileFailed tiles are drawn degraded and never retried.
	TileFailed TileStatus = "failed"
)

// Callbacks receive tile interactions. They run on the session goroutine and
// must not call back into the session.
type Callbacks struct {
	OnTileClick func(md pyramid.TileContent, zoomLevel int)
	OnTileHover func(md *pyramid.TileContent, zoomLevel int)
}

// Config describes one mounted viewport.
type Config struct {
	Pyramid       string
	Descriptor    *pyramid.Descriptor
	TilesBasePath string
	InitialZoom   int
	ViewportSize  viewport.Size
	ShowDebugInfo bool
	// PrefetchMargin extends fetching this many tiles past the visible edge.
	PrefetchMargin int
	// Concurrency bounds parallel tile fetches (default 8).
	Concurrency int
	// Fetcher is optional; without one tiles stay pending.
	Fetcher   *fetch.Fetcher
	Callbacks Callbacks
	Logger    *zap.Logger
}

// TileView is a visible tile with its load state.
type TileView struct {
	resolver.TileRef
	Status TileStatus `json:"status"`
}

// DebugInfo is the read-only diagnostic overlay.
type DebugInfo struct {
	ZoomLevel    int            `json:"zoom_level"`
	PanOffset    viewport.Point `json:"pan_offset"`
	VisibleTiles int            `json:"visible_tiles"`
	LevelWidth   int            `json:"level_width"`
	LevelHeight  int            `json:"level_height"`
	Cols         int            `json:"cols"`
	Rows         int            `json:"rows"`
	TileSize     int            `json:"tile_size"`
	Loaded       int            `json:"loaded"`
	Failed       int            `json:"failed"`
}

// Lines formats the overlay text.
func (d DebugInfo) Lines() []string {
	return []string{
		fmt.Sprintf("zoom: %d", d.ZoomLevel),
		fmt.Sprintf("pan: (%.0f, %.0f)", d.PanOffset.X, d.PanOffset.Y),
		fmt.Sprintf("visible tiles: %d (loaded %d, failed %d)", d.VisibleTiles, d.Loaded, d.Failed),
		fmt.Sprintf("level: %dx%d px, %dx%d tiles of %d", d.LevelWidth, d.LevelHeight, d.Cols, d.Rows, d.TileSize),
	}
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	ID          string         `json:"id"`
	Pyramid     string         `json:"pyramid"`
	State       viewport.State `json:"state"`
	Mode        string         `json:"mode"`
	Range       resolver.Range `json:"range"`
	Tiles       []TileView     `json:"tiles"`
	CanZoomIn   bool           `json:"can_zoom_in"`
	CanZoomOut  bool           `json:"can_zoom_out"`
	Debug       *DebugInfo     `json:"debug,omitempty"`
	LastActive  time.Time      `json:"last_active"`
	InitialZoom int            `json:"initial_zoom"`
}

type request struct {
	event *Event
	reply chan reply
}

type reply struct {
	snap Snapshot
	err  error
}

type fetchDone struct {
	key pyramid.TileKey
	gen uint64
	err error
}

type pending struct {
	gen    uint64
	cancel context.CancelFunc
}

// Session is one mounted viewport.
type Session struct {
	id     string
	cfg    Config
	logger *zap.Logger

	requests chan request
	fetched  chan fetchDone
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	lastActive atomic.Int64

	subMu       sync.Mutex
	subscribers map[chan Notification]struct{}

	// Owned by the loop goroutine.
	ctrl     *viewport.Controller
	hovered  *pyramid.TileKey
	inflight map[pyramid.TileKey]pending
	status   map[pyramid.TileKey]TileStatus
	gen      uint64
	sem      *semaphore.Weighted
	fetchCtx context.Context
	stopAll  context.CancelFunc
	fetchers sync.WaitGroup
}

// New mounts a viewport and starts its goroutine.
func New(id string, cfg Config) (*Session, error) {
	if cfg.Descriptor == nil {
		return nil, errors.New("descriptor is required")
	}
	if !cfg.ViewportSize.Valid() {
		return nil, fmt.Errorf("viewport size must be positive and at most %d pixels a side", viewport.MaxSide)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PrefetchMargin < 0 {
		cfg.PrefetchMargin = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		cfg:         cfg,
		logger:      cfg.Logger.With(zap.String("session", id), zap.String("pyramid", cfg.Pyramid)),
		requests:    make(chan request),
		fetched:     make(chan fetchDone, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[chan Notification]struct{}),
		ctrl:        viewport.NewController(cfg.Descriptor, cfg.ViewportSize, cfg.InitialZoom),
		inflight:    make(map[pyramid.TileKey]pending),
		status:      make(map[pyramid.TileKey]TileStatus),
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		fetchCtx:    ctx,
		stopAll:     cancel,
	}
	s.touch()
	s.schedule()
	go s.run()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Pyramid returns the mounted pyramid name.
func (s *Session) Pyramid() string { return s.cfg.Pyramid }

// Descriptor returns the mounted pyramid descriptor.
func (s *Session) Descriptor() *pyramid.Descriptor { return s.cfg.Descriptor }

// LastActive returns the time of the last event or snapshot.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// Dispatch applies ev and returns the resulting snapshot. Events are applied
// one at a time in arrival order.
func (s *Session) Dispatch(ctx context.Context, ev Event) (Snapshot, error) {
	if err := ev.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s.call(ctx, &ev)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.call(ctx, nil)
}

func (s *Session) call(ctx context.Context, ev *Event) (Snapshot, error) {
	req := request{event: ev, reply: make(chan reply, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Subscribe streams tile interactions until cancel is called. Slow
// subscribers miss notifications rather than blocking the session.
func (s *Session) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, ch)
			s.subMu.Unlock()
		})
	}
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops the session, cancels in-flight fetches and waits for them.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.quit)
		<-s.done
	})
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		s.stopAll()
		s.fetchers.Wait()
	}()

	for {
		select {
		case <-s.quit:
			return
		case req := <-s.requests:
			s.touch()
			var err error
			if req.event != nil {
				err = s.apply(*req.event)
				s.schedule()
			}
			req.reply <- reply{snap: s.snapshot(), err: err}
		case r := <-s.fetched:
			s.finish(r)
		}
	}
}

func (s *Session) apply(ev Event) error {
	c := s.ctrl
	prev := c.State()
	switch ev.Kind {
	case PointerDown:
		c.PointerDown(ev.Point())
	case PointerMove:
		c.PointerMove(ev.Point())
		s.hover(ev.Point())
	case PointerUp:
		c.PointerUp()
	case PointerLeave:
		c.PointerLeave()
		s.leave()
	case TouchStart:
		c.TouchStart(ev.Touches)
	case TouchMove:
		c.TouchMove(ev.Touches)
	case TouchEnd:
		c.TouchEnd()
	case Wheel:
		c.Wheel(ev.DeltaY, ev.Point())
	case Pinch:
		c.Pinch(ev.Scale, ev.Point())
	case Zoom:
		c.ZoomAtPoint(ev.Direction, ev.Point())
	case ZoomIn:
		c.ZoomIn()
	case ZoomOut:
		c.ZoomOut()
	case Reset:
		c.Reset()
	case Resize:
		c.Resize(viewport.Size{Width: ev.Width, Height: ev.Height})
	case Pan:
		c.PanBy(viewport.Point{X: ev.DX, Y: ev.DY})
	case Center:
		c.CenterAtLevel(ev.Level)
	case Click:
		s.click(ev.Point())
	case Hover:
		s.hover(ev.Point())
	case HoverLeave:
		s.leave()
	default:
		return fmt.Errorf("unknown event type %q", ev.Kind)
	}
	if !c.State().Finite() {
		c.Restore(prev)
		return fmt.Errorf("%s: %w", ev.Kind, ErrInvalidState)
	}

	// A hovered tile that scrolled or zoomed out of view has been left.
	if s.hovered != nil && !resolver.VisibleRange(c.State(), s.cfg.Descriptor).Contains(*s.hovered) {
		s.leave()
	}
	return nil
}

func (s *Session) tileAt(p viewport.Point) (pyramid.TileKey, *pyramid.TileContent) {
	key, ok := resolver.HitTest(s.ctrl.State(), s.cfg.Descriptor, p)
	if !ok {
		return key, nil
	}
	md, ok := s.cfg.Descriptor.Content(key)
	if !ok {
		return key, nil
	}
	return key, &md
}

func (s *Session) click(p viewport.Point) {
	_, md := s.tileAt(p)
	if md == nil {
		return
	}
	z := s.ctrl.State().ZoomLevel
	if cb := s.cfg.Callbacks.OnTileClick; cb != nil {
		cb(*md, z)
	}
	s.publish(Notification{Type: NotifyTileClick, ZoomLevel: z, Metadata: md})
}

func (s *Session) hover(p viewport.Point) {
	key, md := s.tileAt(p)
	if s.hovered != nil && (md == nil || *s.hovered != key) {
		s.leave()
	}
	if md == nil || s.hovered != nil {
		return
	}
	s.hovered = &key
	s.emitHover(md)
}

func (s *Session) leave() {
	if s.hovered == nil {
		return
	}
	s.hovered = nil
	s.emitHover(nil)
}

func (s *Session) emitHover(md *pyramid.TileContent) {
	z := s.ctrl.State().ZoomLevel
	if cb := s.cfg.Callbacks.OnTileHover; cb != nil {
		cb(md, z)
	}
	s.publish(Notification{Type: NotifyTileHover, ZoomLevel: z, Metadata: md})
}

func (s *Session) publish(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- n:
		default:
			s.logger.Debug("subscriber lagging, notification dropped", zap.String("type", n.Type))
		}
	}
}

// schedule starts fetches for the wanted tiles and cancels fetches for tiles
// that left the wanted set.
func (s *Session) schedule() {
	if s.cfg.Fetcher == nil {
		return
	}
	st := s.ctrl.State()
	d := s.cfg.Descriptor
	want := resolver.Expand(resolver.VisibleRange(st, d), d, s.cfg.PrefetchMargin)

	for key, p := range s.inflight {
		if !want.Contains(key) {
			p.cancel()
			delete(s.inflight, key)
		}
	}
	for _, key := range want.Keys() {
		if _, busy := s.inflight[key]; busy {
			continue
		}
		if _, known := s.status[key]; known {
			continue
		}
		s.start(key)
	}
}

func (s *Session) start(key pyramid.TileKey) {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.fetchCtx)
	s.inflight[key] = pending{gen: gen, cancel: cancel}
	url := resolver.TileURL(s.cfg.TilesBasePath, s.cfg.Descriptor.Format, key)

	s.fetchers.Add(1)
	go func() {
		defer s.fetchers.Done()
		defer cancel()

		err := s.sem.Acquire(ctx, 1)
		if err == nil {
			_, err = s.cfg.Fetcher.Image(ctx, url)
			s.sem.Release(1)
		}
		select {
		case s.fetched <- fetchDone{key: key, gen: gen, err: err}:
		case <-s.fetchCtx.Done():
		}
	}()
}

func (s *Session) finish(r fetchDone) {
	p, ok := s.inflight[r.key]
	if !ok || p.gen != r.gen {
		return
	}
	delete(s.inflight, r.key)

	switch {
	case r.err == nil:
		s.status[r.key] = TileLoaded
	case errors.Is(r.err, context.Canceled):
		// Abandoned; a later schedule may fetch it again.
	default:
		s.status[r.key] = TileFailed
		s.logger.Warn("tile failed to load", zap.String("tile", r.key.String()), zap.Error(r.err))
	}
}

func (s *Session) snapshot() Snapshot {
	st := s.ctrl.State()
	d := s.cfg.Descriptor
	rng := resolver.VisibleRange(st, d)

	snap := Snapshot{
		ID:          s.id,
		Pyramid:     s.cfg.Pyramid,
		State:       st,
		Mode:        s.ctrl.Mode().String(),
		Range:       rng,
		Tiles:       make([]TileView, 0, rng.Len()),
		CanZoomIn:   st.CanZoomIn(d),
		CanZoomOut:  st.CanZoomOut(d),
		LastActive:  s.LastActive(),
		InitialZoom: s.ctrl.InitialZoom(),
	}

	loaded, failed := 0, 0
	for _, key := range rng.Keys() {
		status, ok := s.status[key]
		if !ok {
			status = TilePending
		}
		switch status {
		case TileLoaded:
			loaded++
		case TileFailed:
			failed++
		}
		snap.Tiles = append(snap.Tiles, TileView{
			TileRef: resolver.Ref(st, d, s.cfg.TilesBasePath, key),
			Status:  status,
		})
	}

	if s.cfg.ShowDebugInfo {
		g, _ := d.Level(st.ZoomLevel)
		snap.Debug = &DebugInfo{
			ZoomLevel:    st.ZoomLevel,
			PanOffset:    st.PanOffset,
			VisibleTiles: len(snap.Tiles),
			LevelWidth:   g.Width,
			LevelHeight:  g.Height,
			Cols:         g.Cols,
			Rows:         g.Rows,
			TileSize:     d.TileSize,
			Loaded:       loaded,
			Failed:       failed,
		}
	}
	return snap
}
