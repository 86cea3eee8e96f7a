// Package openai provides an LLM provider backed by the official OpenAI Go SDK.
//
// It talks to any endpoint that implements the Chat Completions API, which
// makes it the choice for self-hosted OpenAI-compatible servers (vLLM, LM
// Studio, Azure deployments behind a proxy) where a custom base URL or
// organization header is required.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/asiri/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client        oai.Client
	model         string
	contextWindow int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL       string
	organization  string
	timeout       time.Duration
	contextWindow int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithContextWindow reports n as the model's context window. Self-hosted
// models vary too much to guess.
func WithContextWindow(n int) Option {
	return func(c *config) {
		c.contextWindow = n
	}
}

// New constructs a new OpenAI LLM Provider. An empty apiKey is accepted
// because many self-hosted servers do not authenticate.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, contextWindow: cfg.contextWindow}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, buildParams(p.model, req))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Model: p.model, ContextWindow: p.contextWindow}
}

// buildParams converts a chat request into OpenAI SDK params.
func buildParams(model string, req llm.Request) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}

// convertMessage converts a history entry to an OpenAI SDK message param.
func convertMessage(m llm.Message) oai.ChatCompletionMessageParamUnion {
	if m.Role == llm.RoleModel {
		return oai.AssistantMessage(m.Content)
	}
	return oai.UserMessage(m.Content)
}
