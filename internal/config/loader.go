package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/asiri/internal/telephony"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-compatible"},
	"s2s": {"gemini-live", "openai-realtime"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = "gemini"
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = "gemini-live"
	}
	if cfg.Persona.Name == "" {
		cfg.Persona.Name = "سارة"
	}
	if cfg.Persona.Instructions == "" {
		cfg.Persona.Instructions = DefaultInstructions
	}
	if cfg.Voice.Voice == "" {
		cfg.Voice.Voice = "Kore"
	}
	if cfg.Voice.OutputTranscription == nil {
		on := true
		cfg.Voice.OutputTranscription = &on
	}
	cfg.Voice.Statuses = cfg.Voice.Statuses.WithDefaults()
	if cfg.Chat.IdleTimeout <= 0 {
		cfg.Chat.IdleTimeout = 30 * time.Minute
	}
	if cfg.Leads.Timeout <= 0 {
		cfg.Leads.Timeout = 15 * time.Second
	}
	if cfg.Telephony.Number == "" {
		cfg.Telephony.Number = telephony.DefaultNumber
	}
	if cfg.Telephony.Delay <= 0 {
		cfg.Telephony.Delay = telephony.DefaultDelay
	}
	cfg.Visualizer = cfg.Visualizer.WithDefaults()
}

// DefaultInstructions is the persona prompt used when none is configured.
const DefaultInstructions = `أنتِ "سارة"، مستشارة مبيعات عقارية سعودية من منطقة عسير.
تحدثي باللهجة العسيرية الودودة وباختصار.
ساعدي الزائر في العثور على العقار المناسب في أبها وخميس مشيط والسودة،
واسأليه عن ميزانيته والموقع المفضل.
إذا رغب في التواصل اطلبي رقم جواله بصيغة 05XXXXXXXX.`

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)

	if cfg.Voice.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("voice.max_sessions %d must not be negative", cfg.Voice.MaxSessions))
	}
	if cfg.Voice.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.connect_timeout %s must not be negative", cfg.Voice.ConnectTimeout))
	}

	if t := cfg.Chat.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", *t))
	}
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must not be negative", cfg.Chat.MaxTokens))
	}

	if u := cfg.Leads.WebhookURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("leads.webhook_url %q must be an absolute http(s) URL", u))
		}
	} else {
		slog.Warn("leads.webhook_url is empty; detected leads will only be journaled")
	}

	if err := telephony.Validate(cfg.Telephony.Number); err != nil {
		errs = append(errs, fmt.Errorf("telephony.number: %w", err))
	}

	if cfg.Visualizer.FrameRate > 120 {
		errs = append(errs, fmt.Errorf("visualizer.frame_rate %d exceeds 120", cfg.Visualizer.FrameRate))
	}

	seen := make(map[string]int, len(cfg.Properties))
	for i, p := range cfg.Properties {
		prefix := fmt.Sprintf("properties[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of properties[%d]", prefix, p.ID, prev))
			}
			seen[p.ID] = i
		}
		if p.Title == "" {
			errs = append(errs, fmt.Errorf("%s.title is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
