// Package app wires all Asiri subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, Reload applies a new
// configuration and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithLeadSinks,
// WithHTTPClient, ...). Providers always come from the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/asiri/internal/chat"
	"github.com/MrWong99/asiri/internal/config"
	"github.com/MrWong99/asiri/internal/health"
	"github.com/MrWong99/asiri/internal/lead"
	"github.com/MrWong99/asiri/internal/lead/postgres"
	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/internal/telephony"
	"github.com/MrWong99/asiri/internal/voice"
	"github.com/MrWong99/asiri/internal/web"
	"github.com/MrWong99/asiri/pkg/provider/llm"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
)

// sweepInterval is how often idle chat sessions are expired.
const sweepInterval = time.Minute

// Providers holds the model backends. Populated by main.go via the config
// registry.
type Providers struct {
	// LLM answers text chat. It may be a resilience.LLMFallback.
	LLM llm.Provider
	// LLMName labels chat metrics.
	LLMName string

	// S2S carries live voice sessions.
	S2S s2s.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	httpClient     *http.Client
	sinks          []lead.Sink

	mu  sync.Mutex
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	store     *postgres.Store
	forwarder *lead.Forwarder
	chats     *chat.Manager
	voices    *SessionManager
	web       *web.Server
	server    *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets Reload change the log level of the handler built on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithHTTPClient sets the client used for the lead webhook.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithLeadSinks adds sinks that receive every lead besides the configured
// journal and database.
func WithLeadSinks(sinks ...Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, sinks...) }
}

// Sink is an alias so callers need not import the lead package.
type Sink = lead.Sink

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Both providers are
// required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: llm provider is required")
	}
	if providers.S2S == nil {
		return nil, errors.New("app: s2s provider is required")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Leads ─────────────────────────────────────────────────────────
	if err := a.initLeads(ctx); err != nil {
		return nil, fmt.Errorf("app: init leads: %w", err)
	}

	// ── 2. Chat ──────────────────────────────────────────────────────────
	chatOpts := []chat.ManagerOption{
		chat.WithIdleTimeout(cfg.Chat.IdleTimeout),
		chat.WithManagerMetrics(a.metrics),
	}
	if providers.LLMName != "" {
		chatOpts = append(chatOpts, chat.WithSessionOptions(chat.WithProviderName(providers.LLMName)))
	}
	a.chats = chat.NewManager(providers.LLM, a.forwarder, ChatConfig(cfg), chatOpts...)

	// ── 3. Voice ─────────────────────────────────────────────────────────
	a.voices = NewSessionManager(SessionManagerConfig{
		Provider:    providers.S2S,
		Voice:       VoiceConfig(cfg),
		Metrics:     a.metrics,
		MaxSessions: cfg.Voice.MaxSessions,
	})

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.web = web.New(web.Deps{
		Chats:          a.chats,
		Voice:          a.voices,
		Health:         health.New(a.checkers()),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, WebSettings(cfg))

	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}

	return a, nil
}

func (a *App) initLeads(ctx context.Context) error {
	sinks := append([]lead.Sink(nil), a.sinks...)

	if path := a.cfg.Leads.JournalFile; path != "" {
		sinks = append(sinks, lead.NewFileSink(path))
		slog.Info("lead journal enabled", "path", path)
	}

	if dsn := a.cfg.Leads.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		sinks = append(sinks, store)
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("lead database enabled")
	}

	opts := []lead.Option{
		lead.WithSinks(sinks...),
		lead.WithMetrics(a.metrics),
		lead.WithTimeout(a.cfg.Leads.Timeout),
	}
	if a.httpClient != nil {
		opts = append(opts, lead.WithHTTPClient(a.httpClient))
	}
	a.forwarder = lead.NewForwarder(a.cfg.Leads.WebhookURL, opts...)
	return nil
}

func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		{Name: "llm", Check: func(context.Context) error {
			if a.providers.LLM.Capabilities().Model == "" {
				return errors.New("no model selected")
			}
			return nil
		}},
	}
	if a.store != nil {
		cs = append(cs, health.Checker{Name: "leads", Check: a.store.Ping})
	}
	return cs
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and expires idle chats until ctx is cancelled or the
// listener fails. The server is shut down gracefully before Run returns.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		return a.chats.Run(gctx, sweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.cancelBase()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Handler returns the HTTP handler without starting a listener.
func (a *App) Handler() http.Handler { return a.web.Handler() }

// Chats returns the chat session manager.
func (a *App) Chats() *chat.Manager { return a.chats }

// Voices returns the voice session manager.
func (a *App) Voices() *SessionManager { return a.voices }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of updated. Changes to sections
// that need a restart are logged and otherwise ignored.
func (a *App) Reload(updated *config.Config) config.ConfigDiff {
	a.mu.Lock()
	old := a.cfg
	d := config.Diff(old, updated)
	a.cfg = updated
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged || d.ChatChanged {
		a.chats.SetConfig(ChatConfig(updated))
	}
	if d.PersonaChanged || d.VoiceChanged || d.TelephonyChanged {
		a.voices.SetConfig(VoiceConfig(updated))
	}
	if d.VoiceChanged || d.TelephonyChanged || d.VisualizerChanged || d.PropertiesChanged {
		a.web.SetSettings(WebSettings(updated))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes voice sessions, waits for pending lead deliveries and runs
// the closers. If ctx expires first, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "voice_sessions", a.voices.Len(), "closers", len(a.closers))

		a.cancelBase()
		a.voices.CloseAll()

		if err := a.forwarder.Wait(ctx); err != nil {
			slog.Warn("pending lead deliveries abandoned", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config conversion ───────────────────────────────────────────────────────

// ChatConfig extracts the chat persona settings from cfg.
func ChatConfig(cfg *config.Config) chat.Config {
	return chat.Config{
		Instructions: cfg.Persona.Instructions,
		Greeting:     cfg.Persona.Greeting,
		Fallback:     cfg.Persona.Fallback,
		Temperature:  cfg.Chat.Temperature,
		MaxTokens:    cfg.Chat.MaxTokens,
	}.WithDefaults()
}

// VoiceConfig extracts the voice session settings from cfg.
func VoiceConfig(cfg *config.Config) voice.Config {
	vc := voice.DefaultConfig()
	vc.Session.Instructions = cfg.Persona.Instructions
	if cfg.Voice.Voice != "" {
		vc.Session.Voice = cfg.Voice.Voice
	}
	if cfg.Voice.OutputTranscription != nil {
		vc.Session.OutputTranscription = *cfg.Voice.OutputTranscription
	}
	vc.Statuses = cfg.Voice.Statuses.WithDefaults()
	if cfg.Voice.MuteToast != "" {
		vc.MuteToast = cfg.Voice.MuteToast
	}
	if cfg.Voice.CallToast != "" {
		vc.CallToast = cfg.Voice.CallToast
	}
	if uri, err := telephony.DialURI(cfg.Telephony.Number); err == nil {
		vc.CallURI = uri
	}
	if cfg.Telephony.Delay > 0 {
		vc.CallDelay = cfg.Telephony.Delay
	}
	if cfg.Voice.ConnectTimeout > 0 {
		vc.ConnectTimeout = cfg.Voice.ConnectTimeout
	}
	return vc
}

// WebSettings extracts the reloadable HTTP settings from cfg.
func WebSettings(cfg *config.Config) web.Settings {
	vc := VoiceConfig(cfg)
	return web.Settings{
		Properties: cfg.Properties,
		Visualizer: cfg.Visualizer,
		CallURI:    vc.CallURI,
		CallToast:  vc.CallToast,
		CallDelay:  vc.CallDelay,
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
