// Package voice runs a single voice interaction: it opens the speech-to-speech
// transport, streams microphone frames out, schedules the model's reply audio
// and drives the user-visible session state.
package voice

import "fmt"

// State is the lifecycle state of one voice session.
type State int

const (
	Idle State = iota
	Connecting
	Active
	Error
	Ended
)

// String returns the lower-case state name used on the wire.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Error:
		return "error"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Error || s == Ended }

// Event drives a state transition.
type Event int

const (
	// EventStart is the explicit user request to begin a session.
	EventStart Event = iota
	// EventOpen is the transport confirming the session.
	EventOpen
	// EventTransportError is a transport or service failure.
	EventTransportError
	// EventMicFailed is a microphone or permission failure.
	EventMicFailed
	// EventRemoteClose is the remote side closing the session.
	EventRemoteClose
	// EventEnd is the explicit user request to end the session.
	EventEnd
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventOpen:
		return "open"
	case EventTransportError:
		return "transport_error"
	case EventMicFailed:
		return "mic_failed"
	case EventRemoteClose:
		return "remote_close"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Transition returns the state reached from s on e, and false when e is not
// valid in s.
func Transition(s State, e Event) (State, bool) {
	switch s {
	case Idle:
		switch e {
		case EventStart:
			return Connecting, true
		case EventEnd:
			return Ended, true
		}
	case Connecting:
		switch e {
		case EventOpen:
			return Active, true
		case EventTransportError, EventMicFailed:
			return Error, true
		case EventRemoteClose, EventEnd:
			return Ended, true
		}
	case Active:
		switch e {
		case EventTransportError:
			return Error, true
		case EventRemoteClose, EventEnd:
			return Ended, true
		}
	}
	return s, false
}
