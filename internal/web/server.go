// Package web exposes the Asiri HTTP surface: text chat, the voice session
// WebSocket, the telephony fallback, property listings, the visualizer and
// the operational endpoints.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/MrWong99/asiri/internal/chat"
	"github.com/MrWong99/asiri/internal/config"
	"github.com/MrWong99/asiri/internal/health"
	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/internal/visualizer"
	"github.com/MrWong99/asiri/internal/voice"
)

// ErrTooManySessions is returned by [VoiceSessions.Open] when the server is
// at its voice session limit.
var ErrTooManySessions = errors.New("web: too many voice sessions")

// VoiceSessions creates and tracks voice controllers.
type VoiceSessions interface {
	// Open creates an idle controller bound to mic and notify.
	Open(mic voice.Microphone, notify voice.Notifier) (id string, ctrl *voice.Controller, err error)

	// Release closes the controller registered under id.
	Release(id string)
}

// Settings are the values that may change on config reload.
type Settings struct {
	Properties []config.Property
	Visualizer visualizer.Config
	CallURI    string
	CallToast  string
	CallDelay  time.Duration
}

// Deps are the collaborators of a [Server]. Chats and Voice are required.
type Deps struct {
	Chats   *chat.Manager
	Voice   VoiceSessions
	Health  *health.Handler
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// AllowedOrigins are host patterns allowed to open the voice WebSocket
	// cross-origin.
	AllowedOrigins []string
}

// Server routes HTTP requests. Create with [New].
type Server struct {
	deps     Deps
	settings atomic.Pointer[Settings]
	mux      *http.ServeMux
	handler  http.Handler
}

// New builds the route table.
func New(deps Deps, settings Settings) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.SetSettings(settings)

	if deps.Health != nil {
		deps.Health.Register(s.mux)
	}
	if deps.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", deps.MetricsHandler)
	}
	s.mux.HandleFunc("POST /api/chat/sessions", s.handleChatCreate)
	s.mux.HandleFunc("POST /api/chat", s.handleChatSend)
	s.mux.HandleFunc("GET /api/chat/{id}", s.handleChatHistory)
	s.mux.HandleFunc("GET /api/call", s.handleCall)
	s.mux.HandleFunc("GET /api/properties", s.handleProperties)
	s.mux.HandleFunc("GET /api/visualizer.svg", s.handleVisualizer)
	s.mux.HandleFunc("GET /ws/voice", s.handleVoice)

	s.handler = observe.Middleware(deps.Metrics)(s.mux)
	return s
}

// Handler returns the root handler wrapped in the observe middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// SetSettings replaces the reloadable settings. In-flight requests keep the
// values they started with.
func (s *Server) SetSettings(st Settings) {
	st.Visualizer = st.Visualizer.WithDefaults()
	s.settings.Store(&st)
}

func (s *Server) current() *Settings { return s.settings.Load() }

type callResponse struct {
	URI     string `json:"uri"`
	Toast   string `json:"toast"`
	DelayMS int64  `json:"delay_ms"`
}

func (s *Server) handleCall(w http.ResponseWriter, _ *http.Request) {
	st := s.current()
	writeJSON(w, http.StatusOK, callResponse{
		URI:     st.CallURI,
		Toast:   st.CallToast,
		DelayMS: st.CallDelay.Milliseconds(),
	})
}

func (s *Server) handleProperties(w http.ResponseWriter, _ *http.Request) {
	props := s.current().Properties
	if props == nil {
		props = []config.Property{}
	}
	writeJSON(w, http.StatusOK, props)
}

func (s *Server) handleVisualizer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var frame uint64
	if f := q.Get("frame"); f != "" {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "frame must be a non-negative integer")
			return
		}
		frame = n
	}
	active, _ := strconv.ParseBool(q.Get("active"))

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(s.current().Visualizer.RenderSVG(frame, active)))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("web: encode response", "err", err)
	}
}
