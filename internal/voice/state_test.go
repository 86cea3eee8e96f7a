package voice_test

import (
	"testing"

	"github.com/MrWong99/asiri/internal/voice"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from   voice.State
		ev     voice.Event
		want   voice.State
		wantOK bool
	}{
		{voice.Idle, voice.EventStart, voice.Connecting, true},
		{voice.Idle, voice.EventEnd, voice.Ended, true},
		{voice.Idle, voice.EventOpen, voice.Idle, false},
		{voice.Connecting, voice.EventOpen, voice.Active, true},
		{voice.Connecting, voice.EventMicFailed, voice.Error, true},
		{voice.Connecting, voice.EventTransportError, voice.Error, true},
		{voice.Connecting, voice.EventEnd, voice.Ended, true},
		{voice.Connecting, voice.EventStart, voice.Connecting, false},
		{voice.Active, voice.EventEnd, voice.Ended, true},
		{voice.Active, voice.EventRemoteClose, voice.Ended, true},
		{voice.Active, voice.EventTransportError, voice.Error, true},
		{voice.Active, voice.EventStart, voice.Active, false},
		{voice.Active, voice.EventOpen, voice.Active, false},
		{voice.Ended, voice.EventStart, voice.Ended, false},
		{voice.Ended, voice.EventOpen, voice.Ended, false},
		{voice.Error, voice.EventEnd, voice.Error, false},
		{voice.Error, voice.EventStart, voice.Error, false},
	}
	for _, tc := range tests {
		t.Run(tc.from.String()+"/"+tc.ev.String(), func(t *testing.T) {
			got, ok := voice.Transition(tc.from, tc.ev)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("Transition(%v, %v) = (%v, %v), want (%v, %v)", tc.from, tc.ev, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestStatuses(t *testing.T) {
	t.Parallel()

	s := voice.Statuses{Active: "custom"}.WithDefaults()
	if s.For(voice.Active) != "custom" {
		t.Errorf("Active = %q, want custom", s.For(voice.Active))
	}
	if s.For(voice.Connecting) != "جاري الربط مع سارة..." {
		t.Errorf("Connecting = %q", s.For(voice.Connecting))
	}
	if s.For(voice.Idle) != "المستشارة جاهزة للرد..." {
		t.Errorf("Idle = %q", s.For(voice.Idle))
	}
	if s.Microphone != "تعذر الوصول للميكروفون" {
		t.Errorf("Microphone = %q", s.Microphone)
	}
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()
	for _, s := range []voice.State{voice.Idle, voice.Connecting, voice.Active} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
	for _, s := range []voice.State{voice.Error, voice.Ended} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
}
