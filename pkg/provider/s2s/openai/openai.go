// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions,
// so captured microphone frames are resampled before they are appended to the
// input buffer. Turn detection runs server-side.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/asiri/pkg/audio"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

const (
	// DefaultModel is the Realtime model used when none is configured.
	DefaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the only PCM16 rate the Realtime API accepts.
	realtimeRate = 24000

	eventBuffer = 64
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the model sessions are opened with.
func (p *Provider) Model() string { return p.model }

// Connect dials the Realtime endpoint and sends a session.update. The session
// emits [s2s.EventOpen] once the server reports session.created.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string      `json:"modalities"`
	Voice             string        `json:"voice,omitempty"`
	Instructions      string        `json:"instructions,omitempty"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// buildSessionUpdate maps a session config onto a session.update event. The
// Realtime API always returns a transcript alongside audio when the text
// modality is requested, so OutputTranscription toggles that modality.
func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio"},
		Voice:             strings.ToLower(cfg.Voice),
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.OutputTranscription {
		params.Modalities = []string{"audio", "text"}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// fatalErrorTypes are error.type values after which the session cannot
// continue. Everything else (e.g. invalid_request_error for a single event)
// is logged and skipped.
var fatalErrorTypes = map[string]bool{
	"authentication_error": true,
	"server_error":         true,
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	closed bool
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads events from the WebSocket and translates them. It owns the
// events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.emit(s2s.Event{Kind: s2s.EventClose})
			default:
				s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed server event", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent dispatches one decoded event. It returns false once the
// stream has reached a terminal event.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first {
			return s.emit(s2s.Event{Kind: s2s.EventOpen})
		}

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{Audio: []string{evt.Delta}}})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{Transcript: evt.Delta}})

	case "response.done":
		return s.emit(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{TurnComplete: true}})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{Interrupted: true}})

	case "error":
		msg, typ := "unknown error", ""
		if evt.Error != nil {
			typ = evt.Error.Type
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
		}
		if !fatalErrorTypes[typ] {
			slog.Warn("openai: realtime error event", "type", typ, "message", msg)
			return true
		}
		s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: %s: %s", typ, msg)})
		return false
	}
	return true
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio resamples one capture frame to 24 kHz and appends it to the
// server-side input buffer.
func (s *session) SendAudio(ctx context.Context, frame audio.EncodedFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	pcm, err := audio.DecodeBase64PCM(frame.Data)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	pcm = audio.ResampleMono16(pcm, audio.CaptureRate, realtimeRate)

	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Events returns the ordered lifecycle stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
