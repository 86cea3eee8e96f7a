package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/asiri/internal/config"
	"github.com/MrWong99/asiri/pkg/provider/llm"
	llmmock "github.com/MrWong99/asiri/pkg/provider/llm/mock"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
	s2smock "github.com/MrWong99/asiri/pkg/provider/s2s/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  allowed_origins: ["asiri.example.sa"]
  shutdown_timeout: 5s

providers:
  llm:
    name: gemini
    api_key: g-test
    model: gemini-3-flash-preview
  llm_fallbacks:
    - name: ollama
      model: qwen2.5:7b
      base_url: http://localhost:11434
  s2s:
    name: gemini-live
    api_key: g-test

persona:
  name: سارة
  instructions: أنتِ سارة من عسير.

voice:
  voice: Puck
  output_transcription: false
  statuses:
    active: تفضل
  mute_toast: muted

chat:
  temperature: 0.7
  max_tokens: 512
  idle_timeout: 10m

leads:
  webhook_url: https://n8n.example.sa/webhook/leads
  journal_file: /var/lib/asiri/leads.jsonl

telephony:
  number: "+966500000000"
  delay: 2s

visualizer:
  bars: 32
  color: "#0ea5e9"

properties:
  - id: p1
    title: فيلا في السودة
    price: 2,500,000 ريال
    location: السودة
    image: /img/p1.jpg
    description: إطلالة على الجبال
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Providers.LLM.Model != "gemini-3-flash-preview" || len(cfg.Providers.LLMFallbacks) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers.LLMFallbacks[0].BaseURL != "http://localhost:11434" {
		t.Errorf("fallback base_url = %q", cfg.Providers.LLMFallbacks[0].BaseURL)
	}
	if cfg.Voice.Voice != "Puck" || *cfg.Voice.OutputTranscription {
		t.Errorf("voice = %+v", cfg.Voice)
	}
	if cfg.Voice.Statuses.Active != "تفضل" {
		t.Errorf("statuses.active = %q", cfg.Voice.Statuses.Active)
	}
	if cfg.Voice.Statuses.Connecting == "" {
		t.Error("unset statuses must be filled with defaults")
	}
	if cfg.Chat.Temperature == nil || *cfg.Chat.Temperature != 0.7 || cfg.Chat.IdleTimeout != 10*time.Minute {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Telephony.Number != "+966500000000" || cfg.Telephony.Delay != 2*time.Second {
		t.Errorf("telephony = %+v", cfg.Telephony)
	}
	if cfg.Visualizer.Bars != 32 || cfg.Visualizer.Color != "#0ea5e9" || cfg.Visualizer.FrameRate != 30 {
		t.Errorf("visualizer = %+v", cfg.Visualizer)
	}
	if len(cfg.Properties) != 1 || cfg.Properties[0].Title != "فيلا في السودة" {
		t.Errorf("properties = %+v", cfg.Properties)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Name != "gemini" || cfg.Providers.S2S.Name != "gemini-live" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Voice.Voice != "Kore" || cfg.Voice.OutputTranscription == nil || !*cfg.Voice.OutputTranscription {
		t.Errorf("voice = %+v", cfg.Voice)
	}
	if cfg.Telephony.Number != "0500000000" || cfg.Telephony.Delay != time.Second {
		t.Errorf("telephony = %+v", cfg.Telephony)
	}
	if cfg.Persona.Instructions != config.DefaultInstructions {
		t.Error("default persona instructions not applied")
	}
	if cfg.Chat.IdleTimeout != 30*time.Minute || cfg.Leads.Timeout != 15*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.Chat.IdleTimeout, cfg.Leads.Timeout)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"tls incomplete", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"fallback name", "providers:\n  llm_fallbacks:\n    - model: x\n", "llm_fallbacks[0].name"},
		{"max sessions", "voice:\n  max_sessions: -2\n", "voice.max_sessions"},
		{"connect timeout", "voice:\n  connect_timeout: -1s\n", "voice.connect_timeout"},
		{"temperature", "chat:\n  temperature: 3\n", "chat.temperature"},
		{"max tokens", "chat:\n  max_tokens: -1\n", "chat.max_tokens"},
		{"webhook scheme", "leads:\n  webhook_url: ftp://x\n", "leads.webhook_url"},
		{"webhook relative", "leads:\n  webhook_url: /hook\n", "leads.webhook_url"},
		{"phone", "telephony:\n  number: \"05-000\"\n", "telephony.number"},
		{"frame rate", "visualizer:\n  frame_rate: 500\n", "visualizer.frame_rate"},
		{"property id", "properties:\n  - title: x\n", "properties[0].id"},
		{"property title", "properties:\n  - id: a\n", "properties[0].title"},
		{"property duplicate", "properties:\n  - {id: a, title: x}\n  - {id: a, title: y}\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nchat:\n  temperature: -1\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "temperature") {
		t.Errorf("joined error missing parts: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "asiri.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Persona.Instructions != "أنتِ سارة من عسير." {
		t.Errorf("instructions = %q", cfg.Persona.Instructions)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v, want ErrNotExist", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return want, nil
	})
	reg.RegisterS2S("mock-live", func(config.ProviderEntry) (s2s.Provider, error) {
		return &s2smock.Provider{}, nil
	})

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p != want || gotEntry.Model != "m1" {
		t.Errorf("factory not invoked with entry: %+v", gotEntry)
	}
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "mock-live"}); err != nil {
		t.Errorf("CreateS2S: %v", err)
	}

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if names := reg.LLMNames(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("LLMNames = %v", names)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config must load: %v", err)
	}
	if len(cfg.Properties) == 0 {
		t.Error("example config should ship sample properties")
	}
	if cfg.Voice.MaxSessions != 20 {
		t.Errorf("voice.max_sessions = %d, want 20", cfg.Voice.MaxSessions)
	}
}
