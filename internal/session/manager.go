package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTooManySessions is returned when the session limit is reached.
var ErrTooManySessions = errors.New("too many sessions")

// ManagerConfig contains configuration for the session manager.
type ManagerConfig struct {
	MaxSessions int           // default 1000
	IdleTimeout time.Duration // sessions idle this long are closed (default 30m)
	SweepPeriod time.Duration // default 1m
	Logger      *zap.Logger
}

// Manager owns every mounted viewport and expires idle ones.
type Manager struct {
	cfg      ManagerConfig
	logger   *zap.Logger
	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the idle sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleaner()
}

// Stop stops the sweeper and closes every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
	})
}

func (m *Manager) cleaner() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.Expire(now)
		}
	}
}

// Expire closes sessions idle since before now-IdleTimeout and returns how
// many were closed.
func (m *Manager) Expire(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		m.logger.Info("expired idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Create mounts a new viewport.
func (m *Manager) Create(cfg Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	s, err := New(uuid.NewString(), cfg)
	if err != nil {
		return nil, err
	}
	m.sessions[s.ID()] = s
	m.logger.Debug("session mounted", zap.String("session", s.ID()), zap.String("pyramid", cfg.Pyramid))
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete unmounts the session with id.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// CloseWhere unmounts every session for which match returns true.
func (m *Manager) CloseWhere(match func(*Session) bool) int {
	m.mu.Lock()
	var matched []*Session
	for id, s := range m.sessions {
		if match(s) {
			matched = append(matched, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range matched {
		s.Close()
	}
	return len(matched)
}

// IDs lists mounted session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of mounted sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
