// Package playback schedules decoded reply audio for gapless playback.
//
// The [Scheduler] keeps a playback cursor: every new chunk starts at
// max(cursor, now) and pushes the cursor to its own end, so consecutive
// chunks never overlap and never leave gaps while they arrive faster than
// real time. [Scheduler.Interrupt] cuts everything off at once when the
// remote model is barged in on.
//
// The [Output] renders scheduled chunks at their start time through the
// shared [Gain] stage and reports each chunk's end back to the scheduler.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/asiri/pkg/audio"
)

// Chunk is one decoded reply buffer placed on the playback timeline.
type Chunk struct {
	// ID identifies the chunk within its scheduler.
	ID uint64

	// PCM is mono 16-bit little-endian audio at SampleRate.
	PCM        []byte
	SampleRate int

	// Start is the timeline position at which the chunk begins playing.
	Start time.Duration

	// Duration is the playing time of PCM.
	Duration time.Duration
}

// End returns the timeline position at which the chunk finishes.
func (c Chunk) End() time.Duration { return c.Start + c.Duration }

// Sink renders scheduled chunks. Implementations must not block.
type Sink interface {
	// Play queues c for rendering at c.Start.
	Play(c Chunk)

	// StopAll silences every queued and playing chunk immediately.
	StopAll()
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithSampleRate sets the sample rate of incoming chunks. Defaults to
// [audio.PlaybackRate].
func WithSampleRate(rate int) SchedulerOption {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithDecodeErrorHandler registers fn to be called for every dropped chunk.
func WithDecodeErrorHandler(fn func(error)) SchedulerOption {
	return func(s *Scheduler) {
		s.onDecodeError = fn
	}
}

// Scheduler places reply chunks back to back on the playback timeline.
// All methods are safe for concurrent use.
type Scheduler struct {
	clock         Clock
	sink          Sink
	rate          int
	onDecodeError func(error)

	mu     sync.Mutex
	cursor time.Duration
	live   map[uint64]Chunk
	seq    uint64
}

// NewScheduler creates a Scheduler reading time from clock and handing chunks
// to sink. sink may be nil, in which case chunks are only tracked.
func NewScheduler(clock Clock, sink Sink, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock: clock,
		sink:  sink,
		rate:  audio.PlaybackRate,
		live:  make(map[uint64]Chunk),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes a base64 PCM payload and schedules it to start at
// max(cursor, now). A payload that cannot be decoded is dropped with a
// warning and the error is returned; the cursor is left untouched.
func (s *Scheduler) Schedule(data string) (Chunk, error) {
	pcm, err := audio.DecodeBase64PCM(data)
	if err != nil {
		err = fmt.Errorf("playback: drop chunk: %w", err)
		slog.Warn("playback: dropping undecodable chunk", "err", err, "len", len(data))
		if s.onDecodeError != nil {
			s.onDecodeError(err)
		}
		return Chunk{}, err
	}

	s.mu.Lock()
	start := max(s.cursor, s.clock.Now())
	s.seq++
	c := Chunk{
		ID:         s.seq,
		PCM:        pcm,
		SampleRate: s.rate,
		Start:      start,
		Duration:   audio.PCM16Duration(len(pcm), s.rate, 1),
	}
	s.cursor = c.End()
	s.live[c.ID] = c
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Play(c)
	}
	return c, nil
}

// Release removes a chunk from the live set once it has finished playing.
// Unknown IDs are ignored.
func (s *Scheduler) Release(id uint64) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// Interrupt stops every live chunk, empties the live set and resets the cursor
// to zero so the next chunk starts at the current clock. It returns the number
// of chunks that were live.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	n := len(s.live)
	clear(s.live)
	s.cursor = 0
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.StopAll()
	}
	return n
}

// Cursor returns the timeline position at which the next chunk would start if
// the clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns the number of scheduled chunks that have not yet ended.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
