// Command asiri is the main entry point for the Asiri real estate assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/asiri/internal/app"
	"github.com/MrWong99/asiri/internal/config"
	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/internal/resilience"
	"github.com/MrWong99/asiri/pkg/provider/llm"
	"github.com/MrWong99/asiri/pkg/provider/llm/anyllm"
	geminichat "github.com/MrWong99/asiri/pkg/provider/llm/gemini"
	openaichat "github.com/MrWong99/asiri/pkg/provider/llm/openai"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
	geminilive "github.com/MrWong99/asiri/pkg/provider/s2s/gemini"
	openairt "github.com/MrWong99/asiri/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "how often the config file is checked for changes")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// Built before the config so load warnings are visible; the level is
	// corrected once the config is known.
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Configuration + watcher ───────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(_, updated *config.Config) {
		if application != nil {
			application.Reload(updated)
		}
	}, config.WithInterval(*watchInterval))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "asiri: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "asiri: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("asiri starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "asiri",
		ServiceVersion: version,
		Registry:       promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(observe.MetricsHandler(promReg)),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	shutdownErr := errors.Join(
		application.Shutdown(shutdownCtx),
		shutdownOTel(shutdownCtx),
	)
	if shutdownErr != nil {
		slog.Error("shutdown error", "err", shutdownErr)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmVendors are the chat backends reached through any-llm-go.
var anyllmVendors = []string{
	"openai", "anthropic", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []geminichat.Option
		if entry.Model != "" {
			opts = append(opts, geminichat.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminichat.WithBaseURL(entry.BaseURL))
		}
		p, err := geminichat.New(context.Background(), apiKey(entry, "GEMINI_API_KEY"), opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, vendor := range anyllmVendors {
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server addressed by BaseURL only.
			if key := apiKey(entry, ""); key != "" && vendor != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(vendor, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.BaseURL == "" {
			return nil, errors.New("openai-compatible: base_url is required")
		}
		opts := []openaichat.Option{openaichat.WithBaseURL(entry.BaseURL)}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openaichat.WithOrganization(org))
		}
		if n, ok := entry.Options["context_window"].(int); ok {
			opts = append(opts, openaichat.WithContextWindow(n))
		}
		p, err := openaichat.New(apiKey(entry, ""), entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── S2S ───────────────────────────────────────────────────────────────────
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		key := apiKey(entry, "GEMINI_API_KEY")
		if key == "" {
			return nil, errors.New("gemini-live: api key is required")
		}
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(key, opts...), nil
	})
	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		key := apiKey(entry, "OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("openai-realtime: api key is required")
		}
		return openairt.New(key, openairt.WithModel(entry.Model), openairt.WithBaseURL(entry.BaseURL)), nil
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "s2s", reg.S2SNames())
}

// buildProviders instantiates the providers named in cfg. Chat fallbacks are
// chained behind the primary with a circuit breaker each.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{LLMName: cfg.Providers.LLM.Name}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)
	ps.LLM = primary

	if len(cfg.Providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  3,
				ResetTimeout: 30 * time.Second,
			},
		})
		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		slog.Info("llm failover enabled", "order", fb.Names())
		ps.LLM = fb
	}

	s2sProv, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)
	ps.S2S = s2sProv

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Asiri: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Chat LLM", providerLabel(cfg.Providers.LLM))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	printRow("Voice", providerLabel(cfg.Providers.S2S))
	printRow("Persona", cfg.Persona.Name)
	printRow("Properties", fmt.Sprint(len(cfg.Properties)))
	if cfg.Leads.WebhookURL != "" {
		printRow("Lead webhook", "enabled")
	} else {
		printRow("Lead webhook", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// apiKey resolves the key for entry: the literal api_key, then the
// environment variable named by options.api_key_env, then fallbackEnv.
func apiKey(entry config.ProviderEntry, fallbackEnv string) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	if env := optString(entry.Options, "api_key_env"); env != "" {
		return os.Getenv(env)
	}
	if fallbackEnv != "" {
		return os.Getenv(fallbackEnv)
	}
	return ""
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
