// Package chat implements Sarah's text chat: a per-visitor conversation that
// starts with a greeting, forwards detected phone numbers as leads and asks
// the configured LLM for each reply.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/asiri/internal/lead"
	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/pkg/provider/llm"
)

// DefaultGreeting opens every conversation.
const DefaultGreeting = "يا مرحبا هيل عد السيل! معكم سارة، خبيرتكم العقارية في عسير الهول. وش حالكم؟ وكيف أقدر أخدمكم اليوم في عقارات منطقتنا الغالية؟"

// DefaultFallback replaces an empty model reply.
const DefaultFallback = "أبشر بسعدك، بس عذراً صار فيه مشكلة بسيطة، أعد سؤالك لاهنت."

var (
	// ErrEmptyMessage is returned by [Session.Send] for blank input.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrBusy is returned by [Session.Send] while a reply is in flight.
	ErrBusy = errors.New("chat: reply in progress")
)

// Message is one entry of the visible history.
type Message struct {
	ID        string    `json:"id"`
	Role      llm.Role  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Failed marks a visitor message the model never answered. It stays
	// visible but is left out of later requests.
	Failed bool `json:"failed,omitempty"`
}

// Config holds the persona settings applied to every request.
type Config struct {
	// Instructions is the persona system prompt.
	Instructions string
	Greeting     string
	Fallback     string
	Temperature  *float64
	MaxTokens    int
}

// WithDefaults fills empty greeting and fallback texts.
func (c Config) WithDefaults() Config {
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.Fallback == "" {
		c.Fallback = DefaultFallback
	}
	return c
}

// LeadSubmitter receives phone numbers detected in visitor messages.
// *lead.Forwarder satisfies it.
type LeadSubmitter interface {
	Submit(ctx context.Context, d lead.Data)
}

// Option configures a [Session].
type Option func(*Session)

// WithNow overrides the clock used for timestamps and idle tracking.
func WithNow(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithProviderName labels provider metrics. Default "llm".
func WithProviderName(name string) Option {
	return func(s *Session) { s.providerName = name }
}

// Session is one visitor's conversation. It is safe for concurrent use, but
// only one reply is generated at a time.
type Session struct {
	id           string
	provider     llm.Provider
	leads        LeadSubmitter
	now          func() time.Time
	metrics      *observe.Metrics
	providerName string

	mu         sync.Mutex
	cfg        Config
	history    []Message
	busy       bool
	lastActive time.Time
}

// NewSession creates a conversation seeded with the greeting. leads may be
// nil to disable lead forwarding.
func NewSession(provider llm.Provider, leads LeadSubmitter, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		provider:     provider,
		leads:        leads,
		now:          time.Now,
		providerName: "llm",
		cfg:          cfg.WithDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.lastActive = s.now()
	s.history = []Message{s.newMessage(llm.RoleModel, s.cfg.Greeting)}
	return s
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// History returns a copy of the visible conversation, greeting first.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Busy reports whether a reply is being generated.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastActive returns the time of the last Send.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetConfig replaces the persona settings for subsequent replies. The
// greeting already in the history is left untouched.
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.WithDefaults()
}

// Send appends text as a user message, runs lead detection on it and asks
// the model for a reply. An empty reply is replaced by the fallback text.
// On a model error nothing further is appended, the user message is marked
// [Message.Failed] and the error is returned.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Message{}, ErrBusy
	}
	s.busy = true
	s.lastActive = s.now()
	userMsg := s.newMessage(llm.RoleUser, text)
	s.history = append(s.history, userMsg)
	req := s.requestLocked()
	fallback := s.cfg.Fallback
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	if d, ok := lead.Detect(text); ok && s.leads != nil {
		s.leads.Submit(ctx, d)
	}

	resp, err := s.complete(ctx, req)
	if err != nil {
		observe.Logger(ctx).Error("chat completion failed", "session_id", s.id, "err", err)
		s.markFailed(userMsg.ID)
		return Message{}, err
	}

	reply := resp.Content
	if strings.TrimSpace(reply) == "" {
		reply = fallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.newMessage(llm.RoleModel, reply)
	s.history = append(s.history, msg)
	return msg, nil
}

// markFailed flags the user message with id as unanswered.
func (s *Session) markFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			s.history[i].Failed = true
			return
		}
	}
}

// requestLocked builds the model request. The greeting is display-only and
// is not part of the model's context, and neither are failed turns.
func (s *Session) requestLocked() llm.Request {
	msgs := make([]llm.Message, 0, len(s.history)-1)
	for _, m := range s.history[1:] {
		if m.Failed {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Text})
	}
	return llm.Request{
		System:      s.cfg.Instructions,
		Messages:    msgs,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
}

func (s *Session) complete(ctx context.Context, req llm.Request) (resp *llm.Response, err error) {
	ctx, span := observe.StartSpan(ctx, "chat.complete",
		trace.WithAttributes(
			attribute.String("chat.session_id", s.id),
			attribute.Int("chat.history_len", len(req.Messages)),
		),
	)
	start := time.Now()
	defer func() {
		observe.EndSpan(span, err)
		s.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", s.providerName)))
		status := "ok"
		if err != nil {
			status = "error"
			s.metrics.RecordProviderError(ctx, s.providerName, "llm")
		}
		s.metrics.RecordProviderRequest(ctx, s.providerName, "llm", status)
	}()

	return s.provider.Complete(ctx, req)
}

func (s *Session) newMessage(role llm.Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: s.now(),
	}
}
