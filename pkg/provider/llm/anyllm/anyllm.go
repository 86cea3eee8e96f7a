// Package anyllm provides a chat provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-vendor client that reaches
// OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq and local
// llama.cpp/llamafile servers through one API.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.New("ollama", "qwen2.5:7b")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/asiri/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// errNoChoices is returned when the backend answers without any choice.
var errNoChoices = errors.New("anyllm: empty choices in response")

// Provider implements [llm.Provider] on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	vendor  string
	model   string
}

// SupportedVendors lists the vendor names accepted by [New].
var SupportedVendors = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// New creates a Provider for vendor using model.
//
// opts are any-llm-go options such as anyllmlib.WithAPIKey or
// anyllmlib.WithBaseURL. Without an API key option the vendor's usual
// environment variable is consulted (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if vendor == "" {
		return nil, errors.New("anyllm: vendor must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	backend, err := createBackend(vendor, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", vendor, err)
	}
	return &Provider{backend: backend, vendor: strings.ToLower(vendor), model: model}, nil
}

func createBackend(vendor string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(vendor) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported vendor %q; supported: %s", vendor, strings.Join(SupportedVendors, ", "))
	}
}

// Vendor returns the normalised vendor name.
func (p *Provider) Vendor() string { return p.vendor }

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.backend.Completion(ctx, buildParams(p.model, req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errNoChoices
	}

	out := &llm.Response{Content: resp.Choices[0].Message.ContentString()}
	if resp.Usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.Capabilities {
	return modelCapabilities(p.model)
}

// buildParams converts a chat request into any-llm-go parameters. The persona
// instruction becomes a leading system message.
func buildParams(model string, req llm.Request) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// convertMessage maps the model role onto the OpenAI-style "assistant" role
// any-llm-go expects.
func convertMessage(m llm.Message) anyllmlib.Message {
	role := "user"
	if m.Role == llm.RoleModel {
		role = "assistant"
	}
	return anyllmlib.Message{Role: role, Content: m.Content}
}

// modelCapabilities returns known limits for common model families. Unknown
// models receive conservative defaults.
func modelCapabilities(model string) llm.Capabilities {
	caps := llm.Capabilities{
		Model:           model,
		ContextWindow:   128_000,
		MaxOutputTokens: 4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_047_576
		caps.MaxOutputTokens = 32_768
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini-2.5"), strings.HasPrefix(lower, "gemini-3"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 65_536
	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	}
	return caps
}
