package api

import (
	"github.com/spacetiles/server/internal/service"
)

// PyramidRegistry holds tile services for all configured pyramids.
type PyramidRegistry struct {
	services       map[string]*service.TileService
	defaultPyramid string
	order          []string
	title          string
}

// NewPyramidRegistry creates a new pyramid registry.
func NewPyramidRegistry(defaultPyramid string, order []string, title string) *PyramidRegistry {
	return &PyramidRegistry{
		services:       make(map[string]*service.TileService),
		defaultPyramid: defaultPyramid,
		order:          order,
		title:          title,
	}
}

// Register adds a tile service for a pyramid.
func (r *PyramidRegistry) Register(name string, svc *service.TileService) {
	if _, ok := r.services[name]; !ok && !contains(r.order, name) {
		r.order = append(r.order, name)
	}
	r.services[name] = svc
	if r.defaultPyramid == "" {
		r.defaultPyramid = name
	}
}

// Get returns the tile service for a pyramid, or nil if not found.
func (r *PyramidRegistry) Get(name string) *service.TileService {
	return r.services[name]
}

// Default returns the default pyramid's tile service.
func (r *PyramidRegistry) Default() *service.TileService {
	return r.services[r.defaultPyramid]
}

// DefaultName returns the default pyramid name.
func (r *PyramidRegistry) DefaultName() string {
	return r.defaultPyramid
}

// Names returns all pyramid names in config order.
func (r *PyramidRegistry) Names() []string {
	return r.order
}

// Title returns the configured site title.
func (r *PyramidRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "spacetiles"
}

// Pyramids returns the summary of every registered pyramid.
func (r *PyramidRegistry) Pyramids() []service.PyramidInfo {
	infos := make([]service.PyramidInfo, 0, len(r.order))
	for _, name := range r.order {
		if svc := r.services[name]; svc != nil {
			infos = append(infos, svc.Info())
		}
	}
	return infos
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
