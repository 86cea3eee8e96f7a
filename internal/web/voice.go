package web

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/internal/visualizer"
	"github.com/MrWong99/asiri/internal/voice"
	"github.com/MrWong99/asiri/pkg/audio"
)

const (
	// maxVoiceMessage bounds one client frame; a 100 ms stereo capture block
	// at 48 kHz encoded as JSON floats stays well below it.
	maxVoiceMessage = 1 << 20

	// outboxSize is the number of server messages buffered per connection.
	outboxSize = 256
)

// clientMessage is a browser-to-server voice frame.
type clientMessage struct {
	Type string `json:"type"`

	// audio
	Samples    []float32 `json:"samples,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`

	// volume
	Value float64 `json:"value,omitempty"`

	// start: false when the browser could not get microphone access.
	Microphone *bool `json:"microphone,omitempty"`
}

// serverMessage is a server-to-browser voice frame.
type serverMessage struct {
	Type   string `json:"type"`
	State  string `json:"state,omitempty"`
	Status string `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`

	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	StartMS    int64  `json:"start_ms,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Tone       bool   `json:"tone,omitempty"`

	Heights []float64 `json:"heights,omitempty"`

	URI     string `json:"uri,omitempty"`
	DelayMS int64  `json:"delay_ms,omitempty"`
}

func messageFor(u voice.Update) serverMessage {
	switch u.Kind {
	case voice.UpdateState:
		return serverMessage{Type: "state", State: u.State.String(), Status: u.Status}
	case voice.UpdateTranscript:
		return serverMessage{Type: "transcript", Text: u.Text}
	case voice.UpdateToast:
		return serverMessage{Type: "toast", Text: u.Text}
	case voice.UpdateAudio:
		return serverMessage{
			Type:       "audio",
			Data:       base64.StdEncoding.EncodeToString(u.Audio.PCM),
			SampleRate: u.Audio.SampleRate,
			StartMS:    u.Audio.Start.Milliseconds(),
			DurationMS: u.Audio.Duration.Milliseconds(),
			Tone:       u.Tone,
		}
	case voice.UpdateStop:
		return serverMessage{Type: "stop"}
	case voice.UpdateCall:
		return serverMessage{Type: "call", URI: u.URI, DelayMS: u.Delay.Milliseconds()}
	case voice.UpdateClosed:
		return serverMessage{Type: "closed"}
	}
	return serverMessage{Type: "unknown"}
}

// voiceConn bridges one browser WebSocket to one voice controller.
type voiceConn struct {
	conn   *websocket.Conn
	log    *slog.Logger
	outbox chan serverMessage
	done   chan struct{}
}

// send queues msg without blocking the controller. Messages are dropped when
// the client cannot keep up.
func (vc *voiceConn) send(msg serverMessage) {
	select {
	case <-vc.done:
	case vc.outbox <- msg:
	default:
		vc.log.Warn("web: voice client too slow, dropping message", "type", msg.Type)
	}
}

// writeLoop drains the outbox until ctx ends. It closes the socket after
// delivering a "closed" message.
func (vc *voiceConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-vc.outbox:
			if err := wsjson.Write(ctx, vc.conn, msg); err != nil {
				vc.log.Debug("web: voice write failed", "err", err)
				return
			}
			if msg.Type == "closed" {
				_ = vc.conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
		}
	}
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.deps.AllowedOrigins,
	})
	if err != nil {
		log.Warn("web: voice upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxVoiceMessage)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	vc := &voiceConn{
		conn:   conn,
		log:    log,
		outbox: make(chan serverMessage, outboxSize),
		done:   make(chan struct{}),
	}
	defer close(vc.done)

	anim := visualizer.NewAnimator(s.current().Visualizer, func(_ uint64, heights []float64) {
		vc.send(serverMessage{Type: "bars", Heights: heights})
	})
	defer anim.Stop()

	mic := newSocketMic()
	id, ctrl, err := s.deps.Voice.Open(mic, func(u voice.Update) {
		if u.Kind == voice.UpdateState {
			anim.SetActive(u.State == voice.Active)
		}
		vc.send(messageFor(u))
	})
	if err != nil {
		log.Warn("web: voice session refused", "err", err)
		reason := "voice unavailable"
		if errors.Is(err, ErrTooManySessions) {
			reason = "too many voice sessions"
		}
		_ = conn.Close(websocket.StatusTryAgainLater, reason)
		return
	}
	defer s.deps.Voice.Release(id)
	log = log.With("voice_session", id)
	log.Info("web: voice client connected")

	go vc.writeLoop(ctx)

	vc.send(serverMessage{Type: "state", State: ctrl.State().String()})

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("web: voice read ended", "err", err)
			}
			log.Info("web: voice client disconnected")
			return
		}
		s.dispatchVoice(ctx, log, ctrl, mic, msg)
	}
}

func (s *Server) dispatchVoice(ctx context.Context, log *slog.Logger, ctrl *voice.Controller, mic *socketMic, msg clientMessage) {
	var err error
	switch msg.Type {
	case "start":
		if msg.Microphone != nil && !*msg.Microphone {
			mic.deny()
		}
		// Start blocks until the transport is dialled; audio frames keep
		// arriving on this loop meanwhile.
		go func() {
			if err := ctrl.Start(ctx); err != nil {
				log.Debug("web: voice start rejected", "err", err)
			}
		}()
	case "audio":
		mic.push(audio.FloatFrame{
			Samples:    msg.Samples,
			SampleRate: msg.SampleRate,
			Channels:   msg.Channels,
		})
	case "volume":
		err = ctrl.SetVolume(ctx, msg.Value)
	case "toggle_mute":
		err = ctrl.ToggleMute(ctx)
	case "call":
		_, _, err = ctrl.DirectCall(ctx)
	case "end":
		err = ctrl.End(ctx)
	default:
		log.Debug("web: unknown voice message", "type", msg.Type)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("web: voice command failed", "type", msg.Type, "err", err)
	}
}
