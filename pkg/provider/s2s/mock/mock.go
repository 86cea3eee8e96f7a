// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the server-side event stream and inspect which audio
// frames were sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.Event{Kind: s2s.EventOpen})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/asiri/pkg/audio"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// [NewSession].
	Session s2s.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.Session. Tests script the server
// side by pushing events onto EventsCh.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan s2s.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every frame passed to SendAudio in order.
	SendAudioCalls []audio.EncodedFrame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sent chan struct{}
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		EventsCh: make(chan s2s.Event, 64),
		sent:     make(chan struct{}, 1024),
	}
}

// Push delivers ev to the session consumer.
func (s *Session) Push(ev s2s.Event) {
	s.EventsCh <- ev
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, frame audio.EncodedFrame) error {
	s.mu.Lock()
	s.SendAudioCalls = append(s.SendAudioCalls, frame)
	err := s.SendAudioErr
	s.mu.Unlock()
	if s.sent != nil {
		select {
		case s.sent <- struct{}{}:
		default:
		}
	}
	return err
}

// Sent returns a channel that receives one value per SendAudio call. Only
// available on sessions built with NewSession.
func (s *Session) Sent() <-chan struct{} { return s.sent }

// Frames returns a copy of the frames sent so far. Thread-safe.
func (s *Session) Frames() []audio.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedFrame, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Events returns EventsCh.
func (s *Session) Events() <-chan s2s.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Close records the call and returns CloseErr. It does not close EventsCh.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closed returns the number of Close calls. Thread-safe.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.Session at compile time.
var _ s2s.Session = (*Session)(nil)
