package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/internal/voice"
	"github.com/MrWong99/asiri/internal/web"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
)

// SessionInfo holds metadata about an open voice session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// OpenedAt is when the browser connected.
	OpenedAt time.Time

	// State is the controller's current state.
	State voice.State
}

// SessionManager creates voice controllers for browser connections and
// tracks them until they are released. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	provider s2s.Provider
	metrics  *observe.Metrics
	max      int

	mu       sync.Mutex
	cfg      voice.Config
	sessions map[string]*trackedSession
}

type trackedSession struct {
	ctrl     *voice.Controller
	openedAt time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Provider s2s.Provider
	Voice    voice.Config
	Metrics  *observe.Metrics

	// MaxSessions caps open sessions. Zero means no limit.
	MaxSessions int
}

// NewSessionManager creates a SessionManager with no open sessions.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		provider: cfg.Provider,
		metrics:  cfg.Metrics,
		max:      cfg.MaxSessions,
		cfg:      cfg.Voice,
		sessions: make(map[string]*trackedSession),
	}
}

// Open creates an idle controller for one browser connection. It fails with
// [web.ErrTooManySessions] when the limit is reached.
func (sm *SessionManager) Open(mic voice.Microphone, notify voice.Notifier) (string, *voice.Controller, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.max > 0 && len(sm.sessions) >= sm.max {
		return "", nil, web.ErrTooManySessions
	}

	id := uuid.NewString()
	log := slog.With("voice_session", id)
	ctrl := voice.New(sm.provider, mic, sm.cfg, notify,
		voice.WithMetrics(sm.metrics),
		voice.WithLogger(log),
		voice.WithOnClose(func() { log.Info("voice session ended by visitor") }),
	)
	sm.sessions[id] = &trackedSession{ctrl: ctrl, openedAt: time.Now()}
	return id, ctrl, nil
}

// Release closes and forgets the session. Unknown IDs are ignored.
func (sm *SessionManager) Release(id string) {
	sm.mu.Lock()
	ts, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if !ok {
		return
	}
	if err := ts.ctrl.Close(); err != nil {
		slog.Warn("closing voice session", "voice_session", id, "err", err)
	}
}

// SetConfig changes the settings used for sessions opened from now on.
func (sm *SessionManager) SetConfig(cfg voice.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Config returns the settings used for new sessions.
func (sm *SessionManager) Config() voice.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// Len returns the number of open sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Info returns a snapshot of every open session.
func (sm *SessionManager) Info() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for id, ts := range sm.sessions {
		out = append(out, SessionInfo{SessionID: id, OpenedAt: ts.openedAt, State: ts.ctrl.State()})
	}
	return out
}

// CloseAll releases every open session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.Unlock()

	for _, id := range ids {
		sm.Release(id)
	}
}
