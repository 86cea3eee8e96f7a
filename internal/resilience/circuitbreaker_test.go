package resilience_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/asiri/internal/resilience"
)

var errTest = errors.New("test error")

// fakeClock is a settable time source for breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail() error    { return errTest }
func succeed() error { return nil }

func tripped(t *testing.T, clk *fakeClock, halfOpenMax int) *resilience.CircuitBreaker {
	t.Helper()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  halfOpenMax,
		Now:          clk.Now,
	})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	return cb
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test"})
	if cb.State() != resilience.StateClosed {
		t.Fatalf("initial state = %v, want closed", cb.State())
	}
	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_DefaultMaxFailures(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test"})
	for range 4 {
		_ = cb.Execute(fail)
	}
	if cb.State() != resilience.StateClosed {
		t.Fatalf("state = %v after 4 failures, want closed", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %v after 5 failures, want open", cb.State())
	}
}

func TestCircuitBreaker_OpenRejects(t *testing.T) {
	t.Parallel()

	cb := tripped(t, newFakeClock(), 1)
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test", MaxFailures: 3})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != resilience.StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 2)

	clk.Advance(9 * time.Second)
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %v before timeout, want open", cb.State())
	}
	clk.Advance(time.Second)
	if cb.State() != resilience.StateHalfOpen {
		t.Fatalf("state = %v after timeout, want half-open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 2)
	clk.Advance(10 * time.Second)

	for i := range 2 {
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != resilience.StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := tripped(t, clk, 3)
	clk.Advance(10 * time.Second)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Execute(succeed); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := tripped(t, newFakeClock(), 1)
	cb.Reset()
	if cb.State() != resilience.StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	var (
		mu    sync.Mutex
		trans []string
	)
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "webhook",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Now:          clk.Now,
		OnStateChange: func(name string, from, to resilience.State) {
			mu.Lock()
			defer mu.Unlock()
			trans = append(trans, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(succeed)

	want := []string{
		"webhook:closed->open",
		"webhook:open->half-open",
		"webhook:half-open->closed",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(trans) != len(want) {
		t.Fatalf("transitions = %v, want %v", trans, want)
	}
	for i := range want {
		if trans[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, trans[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state resilience.State
		want  string
	}{
		{resilience.StateClosed, "closed"},
		{resilience.StateOpen, "open"},
		{resilience.StateHalfOpen, "half-open"},
		{resilience.State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
