package web

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/asiri/pkg/audio"
)

// ErrMicrophoneDenied is returned by the socket microphone when the browser
// reported that capture permission was refused.
var ErrMicrophoneDenied = errors.New("web: microphone permission denied")

// socketMic is a voice.Microphone fed by audio messages from the browser.
type socketMic struct {
	mu      sync.Mutex
	frames  chan audio.FloatFrame
	denied  bool
	dropped int
}

func newSocketMic() *socketMic { return &socketMic{} }

func (m *socketMic) Open(context.Context) (<-chan audio.FloatFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return nil, ErrMicrophoneDenied
	}
	if m.frames == nil {
		m.frames = make(chan audio.FloatFrame, 32)
	}
	return m.frames, nil
}

func (m *socketMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames != nil {
		close(m.frames)
		m.frames = nil
	}
	return nil
}

// deny makes the next Open fail.
func (m *socketMic) deny() {
	m.mu.Lock()
	m.denied = true
	m.mu.Unlock()
}

// push hands a frame to the encoder. Frames arriving while capture is closed
// or the buffer is full are dropped.
func (m *socketMic) push(f audio.FloatFrame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == nil {
		return false
	}
	select {
	case m.frames <- f:
		return true
	default:
		m.dropped++
		return false
	}
}
