// Package llm defines the Provider interface for the text chat model backends.
//
// A provider wraps a remote model API (Gemini through the genai SDK, or any
// vendor any-llm-go supports) and exposes a single request/response
// completion call so the chat layer never couples to a specific SDK.
//
// Implementations must be safe for concurrent use and must return promptly
// when the supplied context is cancelled.
package llm

import "context"

// Role identifies the author of a [Message].
type Role string

const (
	// RoleUser marks a message typed by the visitor.
	RoleUser Role = "user"

	// RoleModel marks a message produced by the assistant.
	RoleModel Role = "model"
)

// Message is one turn of the conversation history.
type Message struct {
	Role    Role
	Content string
}

// Request carries everything the model needs to produce the next reply.
type Request struct {
	// System is the persona instruction sent with every request. Providers
	// without a dedicated system slot prepend it as a system-role message.
	System string

	// Messages is the ordered history. The last entry is the user turn being
	// answered.
	Messages []Message

	// Temperature controls randomness. Nil leaves the provider default.
	Temperature *float64

	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens int
}

// Usage holds token accounting reported by the backend, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the model's complete reply. Content may be empty; callers decide
// how to present an empty answer.
type Response struct {
	Content string
	Usage   Usage
}

// Capabilities describes static properties of the configured model.
type Capabilities struct {
	// Model is the resolved model identifier.
	Model string

	// ContextWindow is the maximum token count for input plus output, or zero
	// when unknown.
	ContextWindow int

	// MaxOutputTokens is the largest reply the model can generate, or zero when
	// unknown.
	MaxOutputTokens int
}

// Provider is the abstraction over any chat model backend.
type Provider interface {
	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Capabilities returns static metadata for the configured model.
	Capabilities() Capabilities
}
