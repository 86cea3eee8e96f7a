package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/asiri/internal/config"
)

const watchYAML = `
server:
  log_level: info
persona:
  greeting: مرحبا
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// bumpMtime moves the file's mtime forward so coarse filesystem timestamps
// cannot hide a rewrite.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type changeRecorder struct {
	mu      sync.Mutex
	changes [][2]*config.Config
	notify  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{notify: make(chan struct{}, 8)}
}

func (r *changeRecorder) onChange(old, updated *config.Config) {
	r.mu.Lock()
	r.changes = append(r.changes, [2]*config.Config{old, updated})
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "asiri.yaml")
	writeConfig(t, path, watchYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Persona.Greeting; got != "مرحبا" {
		t.Errorf("greeting = %q", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "asiri.yaml")
	writeConfig(t, path, "server:\n  log_level: loud\n")

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "asiri.yaml")
	writeConfig(t, path, watchYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	writeConfig(t, path, strings.Replace(watchYAML, "مرحبا", "يا هلا", 1))
	bumpMtime(t, path)

	select {
	case <-rec.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("change not detected")
	}

	rec.mu.Lock()
	old, updated := rec.changes[0][0], rec.changes[0][1]
	rec.mu.Unlock()
	if old.Persona.Greeting != "مرحبا" || updated.Persona.Greeting != "يا هلا" {
		t.Errorf("old=%q new=%q", old.Persona.Greeting, updated.Persona.Greeting)
	}
	if w.Current() != updated {
		t.Error("Current does not return the reloaded config")
	}
}

func TestWatcher_IgnoresInvalidEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "asiri.yaml")
	writeConfig(t, path, watchYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	initial := w.Current()
	startWatcher(t, w)

	writeConfig(t, path, "server:\n  log_level: loud\n")
	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("onChange called %d times for invalid edit", rec.count())
	}
	if w.Current() != initial {
		t.Error("invalid edit replaced the current config")
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "asiri.yaml")
	writeConfig(t, path, watchYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("onChange called %d times for a touch", rec.count())
	}
}
