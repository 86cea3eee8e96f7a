package voice_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/asiri/internal/voice"
	"github.com/MrWong99/asiri/pkg/audio"
	"github.com/MrWong99/asiri/pkg/audio/playback"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
	"github.com/MrWong99/asiri/pkg/provider/s2s/mock"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

// fakeMic is a Microphone backed by a channel the test can feed.
type fakeMic struct {
	mu      sync.Mutex
	frames  chan audio.FloatFrame
	openErr error
	opened  int
	closed  int
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan audio.FloatFrame, 8)}
}

func (m *fakeMic) Open(context.Context) (<-chan audio.FloatFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.frames, nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMic) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// recorder collects updates from the controller.
type recorder struct {
	mu      sync.Mutex
	updates []voice.Update
}

func (r *recorder) notify(u voice.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) snapshot() []voice.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]voice.Update, len(r.updates))
	copy(out, r.updates)
	return out
}

func (r *recorder) count(kind voice.UpdateKind) int {
	n := 0
	for _, u := range r.snapshot() {
		if u.Kind == kind {
			n++
		}
	}
	return n
}

// waitFor polls until pred holds on the recorded updates.
func (r *recorder) waitFor(t *testing.T, what string, pred func([]voice.Update) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred(r.snapshot()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s; updates: %+v", what, r.snapshot())
}

func (r *recorder) waitState(t *testing.T, s voice.State) voice.Update {
	t.Helper()
	var found voice.Update
	r.waitFor(t, "state "+s.String(), func(us []voice.Update) bool {
		for _, u := range us {
			if u.Kind == voice.UpdateState && u.State == s {
				found = u
				return true
			}
		}
		return false
	})
	return found
}

type harness struct {
	ctrl  *voice.Controller
	prov  *mock.Provider
	sess  *mock.Session
	mic   *fakeMic
	rec   *recorder
	clock *playback.ManualClock
	close chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sess:  mock.NewSession(),
		mic:   newFakeMic(),
		rec:   &recorder{},
		clock: &playback.ManualClock{},
		close: make(chan struct{}, 4),
	}
	h.prov = &mock.Provider{Session: h.sess}
	cfg := voice.DefaultConfig()
	cfg.Session.Instructions = "persona"
	h.ctrl = voice.New(h.prov, h.mic, cfg, h.rec.notify,
		voice.WithClock(h.clock),
		voice.WithOnClose(func() { h.close <- struct{}{} }),
	)
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

// activate starts the session and confirms it from the transport side.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.sess.Push(s2s.Event{Kind: s2s.EventOpen})
	h.rec.waitState(t, voice.Active)
}

func pcmChunk(d time.Duration) string {
	n := int(int64(audio.PlaybackRate) * int64(d) / int64(time.Second))
	return base64.StdEncoding.EncodeToString(make([]byte, n*2))
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestController_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if u := h.rec.waitState(t, voice.Connecting); u.Status != "جاري الربط مع سارة..." {
		t.Errorf("connecting status = %q", u.Status)
	}
	calls := h.prov.Calls()
	if len(calls) != 1 || calls[0].Cfg.Voice != "Kore" || !calls[0].Cfg.OutputTranscription {
		t.Fatalf("Connect calls = %+v", calls)
	}

	h.sess.Push(s2s.Event{Kind: s2s.EventOpen})
	if u := h.rec.waitState(t, voice.Active); u.Status != "سارة تسمعك الآن.. أرحبوا" {
		t.Errorf("active status = %q", u.Status)
	}

	// Microphone frames flow to the transport while active.
	h.mic.frames <- audio.FloatFrame{Samples: make([]float32, audio.CaptureFrameSize)}
	select {
	case <-h.sess.Sent():
	case <-time.After(2 * time.Second):
		t.Fatal("captured frame was not sent")
	}

	// Reply audio: one chunk playing now, one queued far in the future.
	h.sess.Push(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{
		Audio: []string{pcmChunk(time.Hour), pcmChunk(time.Second)},
	}})
	h.rec.waitFor(t, "first audio chunk", func(us []voice.Update) bool {
		for _, u := range us {
			if u.Kind == voice.UpdateAudio && !u.Tone {
				return true
			}
		}
		return false
	})

	if err := h.ctrl.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	// Stop, then Ended, then closed.
	us := h.rec.snapshot()
	var order []voice.UpdateKind
	for _, u := range us {
		switch u.Kind {
		case voice.UpdateStop, voice.UpdateClosed:
			order = append(order, u.Kind)
		case voice.UpdateState:
			if u.State == voice.Ended {
				order = append(order, u.Kind)
				if u.Status != "انتهت الجلسة" {
					t.Errorf("ended status = %q", u.Status)
				}
			}
		}
	}
	want := []voice.UpdateKind{voice.UpdateStop, voice.UpdateState, voice.UpdateClosed}
	if len(order) != len(want) {
		t.Fatalf("end sequence = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("end sequence = %v, want %v", order, want)
		}
	}

	select {
	case <-h.close:
	case <-time.After(time.Second):
		t.Fatal("close hook not fired")
	}
	if h.ctrl.State() != voice.Ended {
		t.Errorf("State = %v, want ended", h.ctrl.State())
	}
	if h.sess.Closed() != 1 {
		t.Errorf("transport closed %d times, want 1", h.sess.Closed())
	}
	if h.mic.closeCount() == 0 {
		t.Error("microphone not closed")
	}
}

func TestController_StartTwiceRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Start(ctx); !errors.Is(err, voice.ErrAlreadyStarted) {
		t.Errorf("second Start while connecting = %v, want ErrAlreadyStarted", err)
	}
	h.sess.Push(s2s.Event{Kind: s2s.EventOpen})
	h.rec.waitState(t, voice.Active)
	if err := h.ctrl.Start(ctx); !errors.Is(err, voice.ErrAlreadyStarted) {
		t.Errorf("Start while active = %v, want ErrAlreadyStarted", err)
	}
	if n := len(h.prov.Calls()); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}

	_ = h.ctrl.End(ctx)
	if err := h.ctrl.Start(ctx); !errors.Is(err, voice.ErrSessionOver) {
		t.Errorf("Start after end = %v, want ErrSessionOver", err)
	}
	if n := len(h.prov.Calls()); n != 1 {
		t.Errorf("Connect called %d times after restart attempt, want 1", n)
	}
}

func TestController_MicrophoneFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.openErr = errors.New("permission denied")

	err := h.ctrl.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded without a microphone")
	}
	if u := h.rec.waitState(t, voice.Error); u.Status != "تعذر الوصول للميكروفون" {
		t.Errorf("error status = %q, want microphone status", u.Status)
	}
	if len(h.prov.Calls()) != 0 {
		t.Error("transport must not be opened without a microphone")
	}
	if h.rec.count(voice.UpdateState) != 2 {
		t.Errorf("state updates = %d, want connecting + error", h.rec.count(voice.UpdateState))
	}
}

func TestController_ConnectFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.ConnectErr = errors.New("dial tcp: refused")

	if err := h.ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing transport")
	}
	if u := h.rec.waitState(t, voice.Error); u.Status != "حدث خطأ فني" {
		t.Errorf("error status = %q", u.Status)
	}
}

// stalledProvider is an s2s.Provider whose dial never completes on its own.
type stalledProvider struct {
	dialing chan struct{}
	late    *mock.Session
}

func (p *stalledProvider) Connect(ctx context.Context, _ s2s.SessionConfig) (s2s.Session, error) {
	close(p.dialing)
	<-ctx.Done()
	if p.late != nil {
		return p.late, nil
	}
	return nil, ctx.Err()
}

func TestController_EndWhileConnecting(t *testing.T) {
	t.Parallel()
	mic := newFakeMic()
	rec := &recorder{}
	prov := &stalledProvider{dialing: make(chan struct{}), late: mock.NewSession()}
	closed := make(chan struct{}, 1)
	ctrl := voice.New(prov, mic, voice.DefaultConfig(), rec.notify,
		voice.WithClock(&playback.ManualClock{}),
		voice.WithOnClose(func() { closed <- struct{}{} }),
	)
	t.Cleanup(func() { _ = ctrl.Close() })

	started := make(chan error, 1)
	go func() { started <- ctrl.Start(context.Background()) }()
	<-prov.dialing
	if s := ctrl.State(); s != voice.Connecting {
		t.Fatalf("state = %s, want connecting", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := ctrl.End(ctx); err != nil {
		t.Fatalf("End while connecting: %v", err)
	}
	if s := ctrl.State(); s != voice.Ended {
		t.Errorf("state = %s, want ended", s)
	}
	if rec.count(voice.UpdateClosed) != 1 {
		t.Errorf("closed updates = %d, want 1", rec.count(voice.UpdateClosed))
	}
	select {
	case <-closed:
	default:
		t.Error("close hook not fired")
	}

	select {
	case err := <-started:
		if !errors.Is(err, voice.ErrSessionOver) {
			t.Errorf("Start = %v, want ErrSessionOver", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after End")
	}
	if prov.late.Closed() != 1 {
		t.Errorf("late transport closed %d times, want 1", prov.late.Closed())
	}
	if mic.closeCount() == 0 {
		t.Error("microphone not closed")
	}
}

func TestController_ConnectTimeout(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	prov := &stalledProvider{dialing: make(chan struct{})}
	cfg := voice.DefaultConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	ctrl := voice.New(prov, newFakeMic(), cfg, rec.notify, voice.WithClock(&playback.ManualClock{}))
	t.Cleanup(func() { _ = ctrl.Close() })

	err := ctrl.Start(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start = %v, want deadline exceeded", err)
	}
	if u := rec.waitState(t, voice.Error); u.Status != "حدث خطأ فني" {
		t.Errorf("error status = %q", u.Status)
	}
}

func TestController_TransportErrorIsTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)

	h.sess.Push(s2s.Event{Kind: s2s.EventError, Err: errors.New("quota exceeded")})
	if u := h.rec.waitState(t, voice.Error); u.Status != "حدث خطأ فني" {
		t.Errorf("error status = %q", u.Status)
	}
	if h.sess.Closed() != 1 {
		t.Errorf("transport closed %d times, want 1", h.sess.Closed())
	}
	if len(h.prov.Calls()) != 1 {
		t.Error("no reconnection expected")
	}
}

func TestController_RemoteClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)

	h.sess.Push(s2s.Event{Kind: s2s.EventClose})
	h.rec.waitState(t, voice.Ended)
	if h.rec.count(voice.UpdateClosed) != 0 {
		t.Error("remote close must not close the overlay")
	}
}

func TestController_Transcript(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	h.sess.Push(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{Transcript: "يا"}})
	h.sess.Push(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{Transcript: "مرحبا"}})
	h.rec.waitFor(t, "two transcript updates", func(us []voice.Update) bool {
		n := 0
		for _, u := range us {
			if u.Kind == voice.UpdateTranscript {
				n++
			}
		}
		return n == 2
	})
	if got, _ := h.ctrl.Transcript(ctx); got != " يا مرحبا" {
		t.Errorf("transcript = %q, want %q", got, " يا مرحبا")
	}

	// Text and turn end in the same message: append first, then clear.
	h.sess.Push(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{Transcript: "!", TurnComplete: true}})
	h.rec.waitFor(t, "cleared transcript", func(us []voice.Update) bool {
		last := us[len(us)-1]
		return last.Kind == voice.UpdateTranscript && last.Text == ""
	})
	if got, _ := h.ctrl.Transcript(ctx); got != "" {
		t.Errorf("transcript after turn complete = %q, want empty", got)
	}
}

func TestController_InterruptStopsPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)

	h.sess.Push(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{
		Audio:       []string{pcmChunk(time.Second), "not-base64!"},
		Interrupted: true,
	}})
	h.rec.waitFor(t, "stop", func(us []voice.Update) bool {
		for _, u := range us {
			if u.Kind == voice.UpdateStop {
				return true
			}
		}
		return false
	})
	if h.ctrl.State() != voice.Active {
		t.Errorf("interruption must not end the session, state = %v", h.ctrl.State())
	}
}

func TestController_MuteToastOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	_ = h.ctrl.SetVolume(ctx, 0)
	_ = h.ctrl.SetVolume(ctx, 0)
	if n := h.rec.count(voice.UpdateToast); n != 1 {
		t.Fatalf("toasts after muting = %d, want 1", n)
	}
	_ = h.ctrl.SetVolume(ctx, 0.7)
	if n := h.rec.count(voice.UpdateToast); n != 1 {
		t.Errorf("unmuting emitted a toast, total = %d", n)
	}
	if h.ctrl.Volume() != 0.7 {
		t.Errorf("Volume = %v, want 0.7", h.ctrl.Volume())
	}
	for _, u := range h.rec.snapshot() {
		if u.Kind == voice.UpdateToast && u.Text != "تم كتم الصوت" {
			t.Errorf("toast = %q", u.Text)
		}
	}
}

func TestController_MutedBeforeActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	_ = h.ctrl.SetVolume(ctx, 0)
	if n := h.rec.count(voice.UpdateToast); n != 0 {
		t.Fatalf("toast while connecting = %d, want 0", n)
	}
	h.sess.Push(s2s.Event{Kind: s2s.EventOpen})
	h.rec.waitState(t, voice.Active)
	if n := h.rec.count(voice.UpdateToast); n != 1 {
		t.Errorf("toasts after activation at volume 0 = %d, want 1", n)
	}
}

func TestController_ToggleMute(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)
	ctx := context.Background()

	_ = h.ctrl.SetVolume(ctx, 0.8)
	_ = h.ctrl.ToggleMute(ctx)
	if h.ctrl.Volume() != 0 {
		t.Errorf("Volume after mute = %v, want 0", h.ctrl.Volume())
	}
	_ = h.ctrl.ToggleMute(ctx)
	if h.ctrl.Volume() != 0.8 {
		t.Errorf("Volume after unmute = %v, want 0.8", h.ctrl.Volume())
	}

	tones := 0
	for _, u := range h.rec.snapshot() {
		if u.Kind == voice.UpdateAudio && u.Tone {
			tones++
			if u.Audio.Duration != 100*time.Millisecond {
				t.Errorf("tone duration = %v", u.Audio.Duration)
			}
		}
	}
	if tones != 2 {
		t.Errorf("feedback tones = %d, want 2", tones)
	}
}

func TestController_ToggleMuteFromZero(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_ = h.ctrl.SetVolume(ctx, 0)
	_ = h.ctrl.ToggleMute(ctx) // restores the initial volume
	if h.ctrl.Volume() != 1 {
		t.Errorf("Volume = %v, want 1", h.ctrl.Volume())
	}
}

func TestController_DirectCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)

	uri, delay, err := h.ctrl.DirectCall(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if uri != "tel:0500000000" || delay != time.Second {
		t.Errorf("DirectCall = (%q, %v)", uri, delay)
	}
	var toast, call bool
	for _, u := range h.rec.snapshot() {
		if u.Kind == voice.UpdateToast && u.Text == "جاري تحويلك للمكالمة المباشرة مع فريق المبيعات..." {
			toast = true
		}
		if u.Kind == voice.UpdateCall && u.URI == uri {
			call = true
		}
	}
	if !toast || !call {
		t.Errorf("toast=%v call=%v, want both", toast, call)
	}
}

func TestController_ClosedRejectsCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)

	if err := h.ctrl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if h.sess.Closed() != 1 {
		t.Errorf("Close must release the transport, closed %d times", h.sess.Closed())
	}
}
