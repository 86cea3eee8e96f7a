// Package gemini implements [llm.Provider] on the official Google Gen AI SDK
// (google.golang.org/genai) against the Gemini Developer API.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/asiri/pkg/provider/llm"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gemini-3-flash-preview"

var _ llm.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel overrides [DefaultModel]. Empty strings are ignored.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL points the client at a different API endpoint. Used by tests
// and for regional proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// Provider sends chat completions to Gemini.
type Provider struct {
	client  *genai.Client
	model   string
	baseURL string
}

// New creates a Provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	p := &Provider{model: DefaultModel}
	for _, o := range opts {
		o(p)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Complete implements [llm.Provider]. An answer without text yields an empty
// Content rather than an error.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, genai.NewContentFromText(m.Content, roleOf(m.Role)))
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, buildConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	out := &llm.Response{Content: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Model:           p.model,
		ContextWindow:   1_048_576,
		MaxOutputTokens: 65_536,
	}
}

func buildConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

func roleOf(r llm.Role) genai.Role {
	if r == llm.RoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}
