package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/pkg/provider/llm"
)

// ErrNotFound is returned by [Manager.Get] for unknown or expired sessions.
var ErrNotFound = errors.New("chat: session not found")

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithIdleTimeout sets how long an untouched session is kept. Default 30m.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idle = d }
}

// WithSessionOptions applies opts to every session the manager creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// WithManagerMetrics sets the metrics sink for the active chat gauge.
func WithManagerMetrics(mt *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithManagerNow overrides the clock used for expiry.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager owns the live chat sessions keyed by ID.
type Manager struct {
	provider    llm.Provider
	leads       LeadSubmitter
	idle        time.Duration
	sessionOpts []Option
	metrics     *observe.Metrics
	now         func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
}

// NewManager creates a Manager that builds sessions from provider, leads and
// cfg.
func NewManager(provider llm.Provider, leads LeadSubmitter, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: provider,
		leads:    leads,
		idle:     30 * time.Minute,
		now:      time.Now,
		cfg:      cfg.WithDefaults(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Create starts a new session.
func (m *Manager) Create(ctx context.Context) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts := append([]Option{WithNow(m.now), WithMetrics(m.metrics)}, m.sessionOpts...)
	s := NewSession(m.provider, m.leads, m.cfg, opts...)
	m.sessions[s.ID()] = s
	m.metrics.ActiveChats.Add(ctx, 1)
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetConfig updates the persona settings for new and existing sessions.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.WithDefaults()
	for _, s := range m.sessions {
		s.SetConfig(cfg)
	}
}

// Sweep drops sessions idle for longer than the idle timeout. Sessions with
// a reply in flight are kept. It returns the number removed.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.Busy() || s.LastActive().After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		removed++
	}
	if removed > 0 {
		m.metrics.ActiveChats.Add(ctx, int64(-removed))
		slog.Debug("expired idle chat sessions", "count", removed)
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}
