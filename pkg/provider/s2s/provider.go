// Package s2s defines the transport abstraction for speech-to-speech backends.
//
// An S2S provider wraps a hosted conversational voice model that accepts raw
// microphone audio and streams back synthesised speech plus a transcript of
// what the model said, in a single stateful session. Recognition,
// understanding and synthesis all happen remotely; this package only moves
// audio frames and lifecycle signals.
//
// A [Session] delivers everything it receives on one ordered [Event] channel
// (open, message, error, close) instead of callbacks, so a single owner
// goroutine can consume it without re-entrancy hazards.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"

	"github.com/MrWong99/asiri/pkg/audio"
)

// EventKind identifies the lifecycle stage an [Event] reports.
type EventKind int

const (
	// EventOpen reports that the remote service confirmed the session.
	EventOpen EventKind = iota + 1

	// EventMessage carries a [ServerMessage].
	EventMessage

	// EventError reports a transport or service failure. It is terminal: no
	// further events follow it.
	EventError

	// EventClose reports that the remote side closed the session normally. It
	// is terminal: no further events follow it.
	EventClose
)

// String returns the lower-case name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item on a session's event stream.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message *ServerMessage

	// Err is set for EventError.
	Err error
}

// ServerMessage is one inbound message from the remote service. Every field is
// optional; a single message may carry several of them.
type ServerMessage struct {
	// Transcript is a partial transcription of the model's spoken output.
	Transcript string

	// Audio holds base64-encoded 16-bit PCM chunks at [audio.PlaybackRate],
	// in the order they were received. Payloads are not validated here;
	// decoding is the playback scheduler's responsibility.
	Audio []string

	// TurnComplete signals the end of the model's conversational turn.
	TurnComplete bool

	// Interrupted signals that the user began speaking over the model and
	// any playing audio must be cut off.
	Interrupted bool
}

// Media is an outbound media payload.
type Media struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// MediaFromFrame wraps an encoded capture frame as outbound media.
func MediaFromFrame(f audio.EncodedFrame) Media {
	mime := f.MIMEType
	if mime == "" {
		mime = audio.CaptureMIMEType
	}
	return Media{Data: f.Data, MIMEType: mime}
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice names a prebuilt voice of the remote service (e.g. "Kore").
	Voice string

	// Instructions is the persona system prompt.
	Instructions string

	// OutputTranscription asks the service to transcribe its own speech so
	// the client can show what is being said.
	OutputTranscription bool
}

// Sender is the outbound half of a [Session].
type Sender interface {
	// SendAudio delivers one encoded capture frame. Frames must be sent in
	// capture order; implementations do not reorder or buffer beyond the
	// underlying connection.
	SendAudio(ctx context.Context, frame audio.EncodedFrame) error
}

// Session is an open bidirectional session. Callers must call Close when the
// session is no longer needed.
type Session interface {
	Sender

	// Events returns the ordered lifecycle stream. The channel is closed after
	// the terminal EventError or EventClose, or after Close. Consumers must
	// drain it promptly.
	Events() <-chan Event

	// Close terminates the session and releases its resources. Calling Close
	// more than once is safe and returns nil. Close does not emit an event.
	Close() error
}

// Provider opens sessions against a speech-to-speech backend.
type Provider interface {
	// Connect dials the backend and sends the session setup. The returned
	// Session emits EventOpen once the backend confirms the setup. Returns an
	// error if the connection cannot be established.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
