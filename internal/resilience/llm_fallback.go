package resilience

import (
	"context"

	"github.com/MrWong99/asiri/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across chat backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a backend tried after the primary.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the backend names in failover order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete returns the first successful reply.
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.Response, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.Capabilities {
	return f.group.Primary().Capabilities()
}
