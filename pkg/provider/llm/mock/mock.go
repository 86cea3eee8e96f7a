// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Response: &llm.Response{Content: "أبشر"}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/asiri/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider. Zero values make
// Complete return an empty response and a nil error.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete when Err is nil. A nil Response yields
	// an empty &llm.Response{}.
	Response *llm.Response

	// Err, if non-nil, is returned by Complete.
	Err error

	// Block, if non-nil, makes Complete wait until it is closed or ctx ends.
	Block chan struct{}

	// Caps is returned by Capabilities.
	Caps llm.Capabilities

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns Response, Err.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs

	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Response == nil {
		return &llm.Response{}, nil
	}
	resp := *p.Response
	return &resp, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
