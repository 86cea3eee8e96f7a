package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/asiri/internal/app"
	"github.com/MrWong99/asiri/internal/voice"
	"github.com/MrWong99/asiri/internal/web"
	"github.com/MrWong99/asiri/pkg/audio"
	s2smock "github.com/MrWong99/asiri/pkg/provider/s2s/mock"
)

type nopMic struct{}

func (nopMic) Open(context.Context) (<-chan audio.FloatFrame, error) {
	return make(chan audio.FloatFrame), nil
}
func (nopMic) Close() error { return nil }

func newSessionManager(max int) *app.SessionManager {
	cfg := voice.DefaultConfig()
	cfg.Session.Instructions = "persona"
	return app.NewSessionManager(app.SessionManagerConfig{
		Provider:    &s2smock.Provider{},
		Voice:       cfg,
		MaxSessions: max,
	})
}

func TestSessionManager_OpenRelease(t *testing.T) {
	t.Parallel()
	sm := newSessionManager(0)

	id, ctrl, err := sm.Open(nopMic{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ctrl.State() != voice.Idle {
		t.Errorf("state = %v, want idle", ctrl.State())
	}
	if sm.Len() != 1 {
		t.Errorf("Len = %d, want 1", sm.Len())
	}
	info := sm.Info()
	if len(info) != 1 || info[0].SessionID != id || info[0].OpenedAt.IsZero() {
		t.Errorf("Info = %+v", info)
	}

	sm.Release(id)
	if sm.Len() != 0 {
		t.Errorf("Len after release = %d", sm.Len())
	}
	if err := ctrl.Start(context.Background()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("Start after release = %v, want ErrClosed", err)
	}

	// Unknown and repeated releases are no-ops.
	sm.Release(id)
	sm.Release("missing")
}

func TestSessionManager_Limit(t *testing.T) {
	t.Parallel()
	sm := newSessionManager(2)

	first, _, err := sm.Open(nopMic{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sm.Open(nopMic{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sm.Open(nopMic{}, nil); !errors.Is(err, web.ErrTooManySessions) {
		t.Errorf("third Open err = %v, want ErrTooManySessions", err)
	}

	sm.Release(first)
	if _, _, err := sm.Open(nopMic{}, nil); err != nil {
		t.Errorf("Open after release: %v", err)
	}
	sm.CloseAll()
	if sm.Len() != 0 {
		t.Errorf("Len after CloseAll = %d", sm.Len())
	}
}

func TestSessionManager_SetConfigAffectsNewSessions(t *testing.T) {
	t.Parallel()
	prov := &s2smock.Provider{}
	sm := app.NewSessionManager(app.SessionManagerConfig{Provider: prov, Voice: voice.DefaultConfig()})
	t.Cleanup(sm.CloseAll)

	cfg := voice.DefaultConfig()
	cfg.Session.Voice = "Puck"
	sm.SetConfig(cfg)

	_, ctrl, err := sm.Open(nopMic{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	calls := prov.Calls()
	if len(calls) != 1 || calls[0].Cfg.Voice != "Puck" {
		t.Errorf("connect calls = %+v", calls)
	}
}
