package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/asiri/internal/observe"
	"github.com/MrWong99/asiri/pkg/audio"
	"github.com/MrWong99/asiri/pkg/audio/capture"
	"github.com/MrWong99/asiri/pkg/audio/playback"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
)

var (
	// ErrAlreadyStarted is returned by Start while a session is connecting or
	// active.
	ErrAlreadyStarted = errors.New("voice: session already started")

	// ErrSessionOver is returned by Start once the session has ended or failed.
	// A new Controller is needed for a new session.
	ErrSessionOver = errors.New("voice: session is over")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("voice: controller closed")
)

// Microphone is the capture source of a session.
type Microphone interface {
	// Open starts capture. The returned channel is closed when capture stops.
	Open(ctx context.Context) (<-chan audio.FloatFrame, error)

	// Close stops capture. Safe to call more than once.
	Close() error
}

// UpdateKind identifies what an [Update] reports.
type UpdateKind int

const (
	// UpdateState carries State and Status.
	UpdateState UpdateKind = iota + 1
	// UpdateTranscript carries the full accumulated transcript in Text.
	UpdateTranscript
	// UpdateToast carries a transient notice in Text.
	UpdateToast
	// UpdateAudio carries a chunk to play now; Audio.PCM is post-gain.
	UpdateAudio
	// UpdateStop reports that all scheduled audio was cut off.
	UpdateStop
	// UpdateCall carries the telephony URI to follow after Delay.
	UpdateCall
	// UpdateClosed asks the client to close the voice overlay.
	UpdateClosed
)

// Update is a notification for the client driving the session.
type Update struct {
	Kind   UpdateKind
	State  State
	Status string
	Text   string

	Audio playback.Chunk
	// Tone marks an UpdateAudio carrying the UI feedback tone.
	Tone bool

	URI   string
	Delay time.Duration
}

// Notifier receives updates. It is called from the controller goroutine and
// from the playback goroutine, so implementations must be safe for concurrent
// use and must not block for long.
type Notifier func(Update)

// Config holds the per-session settings.
type Config struct {
	Session  s2s.SessionConfig
	Statuses Statuses

	MuteToast string
	CallToast string
	CallURI   string
	CallDelay time.Duration

	// ConnectTimeout bounds the transport dial. Zero means no bound beyond
	// the caller's context.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the stock persona settings without instructions.
func DefaultConfig() Config {
	return Config{
		Session:   s2s.SessionConfig{Voice: "Kore", OutputTranscription: true},
		Statuses:  DefaultStatuses(),
		MuteToast: "تم كتم الصوت",
		CallToast: "جاري تحويلك للمكالمة المباشرة مع فريق المبيعات...",
		CallURI:   "tel:0500000000",
		CallDelay: time.Second,

		ConnectTimeout: 15 * time.Second,
	}
}

// Option configures a [Controller].
type Option func(*Controller)

// WithClock sets the playback clock. Defaults to a [playback.SystemClock].
func WithClock(c playback.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ctrl *Controller) { ctrl.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(ctrl *Controller) { ctrl.log = l }
}

// WithOnClose registers a hook fired when the user ends the session.
func WithOnClose(fn func()) Option {
	return func(ctrl *Controller) { ctrl.onClose = fn }
}

// Controller owns one voice session. A single goroutine runs every state
// change, so transport events and user commands are never handled
// concurrently.
type Controller struct {
	provider s2s.Provider
	mic      Microphone
	cfg      Config
	notify   Notifier
	clock    playback.Clock
	metrics  *observe.Metrics
	log      *slog.Logger
	onClose  func()

	gain  *playback.Gain
	out   *playback.Output
	sched *playback.Scheduler
	tone  []byte

	cmds      chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// stateMirror lets State be read without a round trip through the loop.
	stateMirror atomic.Int32

	// Owned by the loop goroutine.
	state       State
	transcript  string
	prevVolume  float64
	sess        s2s.Session
	frames      <-chan audio.FloatFrame
	cancelDial  context.CancelFunc
	stopCapture context.CancelFunc
	captureDone chan struct{}
	startedAt   time.Time
	counted     bool
}

// New creates a Controller in the Idle state and starts its loop. Call Close
// to release it.
func New(provider s2s.Provider, mic Microphone, cfg Config, notify Notifier, opts ...Option) *Controller {
	c := &Controller{
		provider:   provider,
		mic:        mic,
		cfg:        cfg,
		notify:     notify,
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		prevVolume: 1,
		gain:       playback.NewGain(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.clock == nil {
		c.clock = playback.NewSystemClock()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.notify == nil {
		c.notify = func(Update) {}
	}
	c.cfg.Statuses = c.cfg.Statuses.WithDefaults()
	c.tone = playback.FeedbackTone(audio.PlaybackRate)

	c.out = playback.NewOutput(c.clock, c.render,
		playback.WithGain(c.gain),
		playback.WithStopHandler(func() { c.notify(Update{Kind: UpdateStop}) }),
	)
	c.sched = playback.NewScheduler(c.clock, c.out,
		playback.WithDecodeErrorHandler(func(error) {
			c.metrics.DecodeErrors.Add(context.Background(), 1)
		}),
	)
	c.out.OnEnded(c.sched.Release)

	go c.loop()
	return c
}

// ── Public operations ─────────────────────────────────────────────────────────

// Start acquires the microphone and opens the transport. The session stays
// Connecting until the transport confirms it. Starting while connecting or
// active returns [ErrAlreadyStarted]; starting after the session ended or
// failed returns [ErrSessionOver]. Neither opens a second transport.
//
// The dial runs off the controller loop, so End and the other commands stay
// responsive while Start waits for it. Ending the session during the dial
// cancels it and Start returns [ErrSessionOver].
func (c *Controller) Start(ctx context.Context) error {
	var (
		err  error
		dial <-chan error
	)
	if derr := c.do(ctx, func() { dial, err = c.start(ctx) }); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	return <-dial
}

// End stops all scheduled audio immediately, stops capture, closes the
// transport and fires the close hook. Ending an already finished session only
// fires the hook.
func (c *Controller) End(ctx context.Context) error {
	return c.do(ctx, c.end)
}

// SetVolume sets the output volume in [0, 1]. Capture is unaffected.
// Dropping to 0 while active shows the mute toast once.
func (c *Controller) SetVolume(ctx context.Context, v float64) error {
	return c.do(ctx, func() { c.setVolume(v) })
}

// ToggleMute plays the feedback tone and flips between silence and the last
// audible volume.
func (c *Controller) ToggleMute(ctx context.Context) error {
	return c.do(ctx, c.toggleMute)
}

// DirectCall plays the feedback tone, shows the call toast and returns the
// telephony URI the client should follow after the returned delay.
func (c *Controller) DirectCall(ctx context.Context) (string, time.Duration, error) {
	if err := c.do(ctx, c.directCall); err != nil {
		return "", 0, err
	}
	return c.cfg.CallURI, c.cfg.CallDelay, nil
}

// State returns the current session state.
func (c *Controller) State() State { return State(c.stateMirror.Load()) }

// Volume returns the current output volume.
func (c *Controller) Volume() float64 { return c.gain.Volume() }

// Transcript returns the accumulated transcript of the current model turn.
func (c *Controller) Transcript(ctx context.Context) (string, error) {
	var t string
	err := c.do(ctx, func() { t = c.transcript })
	return t, err
}

// Close tears the session down without notifying the client and stops the
// loop. Close is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.stopped
	return c.out.Close()
}

// ── Loop ──────────────────────────────────────────────────────────────────────

// do runs fn on the loop goroutine and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (c *Controller) loop() {
	defer close(c.stopped)
	for {
		var events <-chan s2s.Event
		if c.sess != nil {
			events = c.sess.Events()
		}
		select {
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				ev = s2s.Event{Kind: s2s.EventClose}
			}
			c.handleEvent(ev)
		case <-c.quit:
			if !c.state.Terminal() && c.state != Idle {
				c.log.Debug("voice: abandoning session", "state", c.state.String())
				c.sched.Interrupt()
				c.release()
				c.setState(Ended, c.cfg.Statuses.Ended, false)
				c.metrics.RecordSessionOutcome(context.Background(), "abandoned")
			}
			return
		}
	}
}

func (c *Controller) start(ctx context.Context) (<-chan error, error) {
	switch {
	case c.state == Connecting || c.state == Active:
		return nil, ErrAlreadyStarted
	case c.state.Terminal():
		return nil, ErrSessionOver
	}
	c.transition(EventStart, "")
	c.startedAt = time.Now()

	frames, err := c.mic.Open(ctx)
	if err != nil {
		c.log.Warn("voice: microphone unavailable", "err", err)
		c.fail(EventMicFailed, c.cfg.Statuses.Microphone)
		return nil, fmt.Errorf("voice: open microphone: %w", err)
	}
	c.frames = frames

	var dialCtx context.Context
	if c.cfg.ConnectTimeout > 0 {
		dialCtx, c.cancelDial = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	} else {
		dialCtx, c.cancelDial = context.WithCancel(ctx)
	}

	result := make(chan error, 1)
	go c.dial(dialCtx, c.cfg.Session, result)
	return result, nil
}

// dial opens the transport and hands the outcome back to the loop.
func (c *Controller) dial(ctx context.Context, cfg s2s.SessionConfig, result chan<- error) {
	sess, err := c.provider.Connect(ctx, cfg)
	var outcome error
	if derr := c.do(context.Background(), func() { outcome = c.connected(sess, err) }); derr != nil {
		if sess != nil {
			_ = sess.Close()
		}
		outcome = derr
	}
	result <- outcome
}

// connected finishes Start once the dial returns. A session that ended while
// dialing closes the late transport straight away.
func (c *Controller) connected(sess s2s.Session, err error) error {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.state != Connecting {
		if sess != nil {
			if cerr := sess.Close(); cerr != nil {
				c.log.Warn("voice: closing late transport", "err", cerr)
			}
		}
		return ErrSessionOver
	}
	if err != nil {
		c.log.Error("voice: transport connect failed", "err", err)
		c.fail(EventTransportError, c.cfg.Statuses.Error)
		return fmt.Errorf("voice: connect: %w", err)
	}
	c.sess = sess
	c.counted = true
	c.metrics.ActiveSessions.Add(context.Background(), 1)

	captureCtx, cancel := context.WithCancel(context.Background())
	c.stopCapture = cancel
	c.captureDone = make(chan struct{})
	enc := capture.NewEncoder(sess,
		capture.WithLogger(c.log),
		capture.WithSentHandler(func() { c.metrics.FramesSent.Add(captureCtx, 1) }),
	)
	go func(frames <-chan audio.FloatFrame, done chan struct{}) {
		defer close(done)
		enc.Run(captureCtx, frames)
	}(c.frames, c.captureDone)
	c.frames = nil

	return nil
}

func (c *Controller) handleEvent(ev s2s.Event) {
	switch ev.Kind {
	case s2s.EventOpen:
		if c.transition(EventOpen, "") {
			c.metrics.VoiceConnectDuration.Record(context.Background(), time.Since(c.startedAt).Seconds())
			if c.gain.Volume() == 0 {
				c.toast(c.cfg.MuteToast)
			}
		}
	case s2s.EventMessage:
		if ev.Message != nil {
			c.handleMessage(ev.Message)
		}
	case s2s.EventError:
		c.log.Error("voice: transport error", "err", ev.Err)
		c.fail(EventTransportError, c.cfg.Statuses.Error)
	case s2s.EventClose:
		c.log.Info("voice: transport closed by remote")
		c.fail(EventRemoteClose, "")
	}
}

// handleMessage applies one server message: transcript, turn boundary, audio,
// then interruption.
func (c *Controller) handleMessage(m *s2s.ServerMessage) {
	if m.Transcript != "" {
		c.transcript = c.transcript + " " + m.Transcript
		c.notify(Update{Kind: UpdateTranscript, Text: c.transcript})
	}
	if m.TurnComplete {
		c.transcript = ""
		c.notify(Update{Kind: UpdateTranscript})
	}
	for _, data := range m.Audio {
		if _, err := c.sched.Schedule(data); err == nil {
			c.metrics.ChunksScheduled.Add(context.Background(), 1)
		}
	}
	if m.Interrupted {
		n := c.sched.Interrupt()
		c.metrics.Interruptions.Add(context.Background(), 1)
		c.log.Debug("voice: playback interrupted", "stopped", n)
	}
}

func (c *Controller) end() {
	if !c.state.Terminal() {
		c.sched.Interrupt()
		c.release()
		c.transition(EventEnd, "")
		c.metrics.RecordSessionOutcome(context.Background(), Ended.String())
	}
	if c.onClose != nil {
		c.onClose()
	}
	c.notify(Update{Kind: UpdateClosed})
}

// fail moves to a terminal state after stopping audio and releasing the
// transport and microphone.
func (c *Controller) fail(ev Event, status string) {
	c.sched.Interrupt()
	c.release()
	if c.transition(ev, status) {
		c.metrics.RecordSessionOutcome(context.Background(), c.state.String())
	}
}

func (c *Controller) setVolume(v float64) {
	v = min(max(v, 0), 1)
	old := c.gain.Volume()
	c.gain.Set(v)
	if v == 0 && old > 0 && c.state == Active {
		c.toast(c.cfg.MuteToast)
	}
}

func (c *Controller) toggleMute() {
	c.playTone()
	if vol := c.gain.Volume(); vol > 0 {
		c.prevVolume = vol
		c.setVolume(0)
		return
	}
	restore := c.prevVolume
	if restore == 0 {
		restore = 0.5
	}
	c.setVolume(restore)
}

func (c *Controller) directCall() {
	c.playTone()
	c.toast(c.cfg.CallToast)
	c.notify(Update{Kind: UpdateCall, URI: c.cfg.CallURI, Delay: c.cfg.CallDelay})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// transition applies ev and notifies the new state. An empty status selects
// the configured line for the new state.
func (c *Controller) transition(ev Event, status string) bool {
	next, ok := Transition(c.state, ev)
	if !ok {
		return false
	}
	if status == "" {
		status = c.cfg.Statuses.For(next)
	}
	c.setState(next, status, true)
	return true
}

func (c *Controller) setState(s State, status string, notify bool) {
	c.state = s
	c.stateMirror.Store(int32(s))
	if notify {
		c.notify(Update{Kind: UpdateState, State: s, Status: status})
	}
}

// release cancels a pending dial, stops capture and closes the transport and
// microphone.
func (c *Controller) release() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.frames = nil
	if c.stopCapture != nil {
		c.stopCapture()
		c.stopCapture = nil
	}
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			c.log.Warn("voice: closing transport", "err", err)
		}
		c.sess = nil
	}
	if err := c.mic.Close(); err != nil {
		c.log.Warn("voice: closing microphone", "err", err)
	}
	if c.captureDone != nil {
		<-c.captureDone
		c.captureDone = nil
	}
	if c.counted {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		c.counted = false
	}
}

func (c *Controller) toast(text string) {
	if text != "" {
		c.notify(Update{Kind: UpdateToast, Text: text})
	}
}

// playTone sends the feedback beep straight to the client, bypassing the gain
// stage and the reply timeline.
func (c *Controller) playTone() {
	c.notify(Update{
		Kind: UpdateAudio,
		Tone: true,
		Audio: playback.Chunk{
			PCM:        c.tone,
			SampleRate: audio.PlaybackRate,
			Start:      c.clock.Now(),
			Duration:   audio.PCM16Duration(len(c.tone), audio.PlaybackRate, 1),
		},
	})
}

// render forwards a chunk from the playback output to the client.
func (c *Controller) render(chunk playback.Chunk, pcm []byte) {
	chunk.PCM = pcm
	c.notify(Update{Kind: UpdateAudio, Audio: chunk})
}
