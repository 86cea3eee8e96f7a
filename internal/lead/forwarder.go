package lead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/internal/resilience"
)

// Sink journals accepted leads. Implementations must be safe for concurrent
// use.
type Sink interface {
	Save(ctx context.Context, p Payload) error
}

// Delivery outcomes recorded on the asiri.leads.forwarded counter.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusRejected  = "rejected" // circuit breaker open
	StatusSkipped   = "skipped"  // no webhook configured
)

// Option configures a [Forwarder].
type Option func(*Forwarder)

// WithHTTPClient replaces the default client (10 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithSinks adds journaling sinks. Each accepted lead is saved to every sink
// before the webhook is called.
func WithSinks(sinks ...Sink) Option {
	return func(f *Forwarder) { f.sinks = append(f.sinks, sinks...) }
}

// WithBreaker guards webhook calls with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(f *Forwarder) { f.breaker = cb }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(f *Forwarder) { f.now = now }
}

// WithTimeout bounds one background delivery including sinks. Default 15 s.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.timeout = d }
}

// Forwarder delivers leads to the webhook.
type Forwarder struct {
	url     string
	client  *http.Client
	sinks   []Sink
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	now     func() time.Time
	timeout time.Duration

	wg sync.WaitGroup
}

// NewForwarder creates a Forwarder posting to webhookURL. An empty URL
// disables delivery; sinks still receive leads.
func NewForwarder(webhookURL string, opts ...Option) *Forwarder {
	f := &Forwarder{
		url:     webhookURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		timeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	if f.breaker == nil {
		f.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "lead-webhook",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
			HalfOpenMax:  1,
		})
	}
	return f
}

// Submit hands d to a background delivery and returns immediately. The
// delivery outlives ctx's cancellation but keeps its values (trace context).
func (f *Forwarder) Submit(ctx context.Context, d Data) {
	p := NewPayload(d, f.now())
	bg := context.WithoutCancel(ctx)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(bg, f.timeout)
		defer cancel()
		if err := f.Forward(ctx, p); err != nil {
			observe.Logger(ctx).Warn("lead forwarding failed", "phone", p.Phone, "err", err)
		}
	}()
}

// Wait blocks until every submitted delivery has finished or ctx ends.
func (f *Forwarder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forward synchronously journals p and posts it to the webhook. Sink errors
// are logged and do not prevent delivery.
func (f *Forwarder) Forward(ctx context.Context, p Payload) (err error) {
	ctx, span := observe.StartSpan(ctx, "lead.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("lead.interest", p.Interest)),
	)
	defer func() { observe.EndSpan(span, err) }()

	for _, s := range f.sinks {
		if serr := s.Save(ctx, p); serr != nil {
			observe.Logger(ctx).Warn("lead journal write failed", "err", serr)
		}
	}

	if f.url == "" {
		slog.Debug("lead webhook not configured, skipping delivery")
		f.metrics.RecordLeadForward(ctx, StatusSkipped)
		return nil
	}

	err = f.breaker.Execute(func() error { return f.post(ctx, p) })
	switch {
	case err == nil:
		f.metrics.RecordLeadForward(ctx, StatusDelivered)
		observe.Logger(ctx).Info("lead forwarded", "phone", p.Phone)
	case errors.Is(err, resilience.ErrCircuitOpen):
		f.metrics.RecordLeadForward(ctx, StatusRejected)
	default:
		f.metrics.RecordLeadForward(ctx, StatusFailed)
	}
	return err
}

func (f *Forwarder) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("lead: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("lead: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("lead: post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("lead: webhook returned %s", resp.Status)
	}
	return nil
}
