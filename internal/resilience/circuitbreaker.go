// Package resilience provides the circuit breaker that guards outbound calls
// (the lead webhook, chat LLM backends) and the generic failover group built on
// top of it.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. A single
	// failed probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values
// are replaced by defaults in [NewCircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change notifications.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default: 3.
	HalfOpenMax int

	// Now returns the current time. Default: [time.Now].
	Now func() time.Time

	// OnStateChange, if set, is called after every transition with the mutex
	// released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeOKs    int
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker allows it and records the outcome. When the
// breaker rejects the call fn is not invoked and [ErrCircuitOpen] is returned.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn()

	cb.mu.Lock()
	from := cb.state
	if callErr != nil {
		cb.onFailureLocked(probe)
	} else {
		cb.onSuccessLocked(probe)
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return callErr
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeOKs = 0, 0
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	probe = cb.state == StateHalfOpen
	if probe {
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, nil
}

func (cb *CircuitBreaker) onFailureLocked(probe bool) {
	if probe || cb.state == StateHalfOpen {
		cb.tripLocked()
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		cb.tripLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked(probe bool) {
	if !probe {
		if cb.state == StateClosed {
			cb.failures = 0
		}
		return
	}
	if cb.state != StateHalfOpen {
		// A concurrent probe failed and re-opened the breaker.
		return
	}
	cb.probeOKs++
	if cb.probeOKs >= cb.cfg.HalfOpenMax {
		cb.state = StateClosed
		cb.failures, cb.probes, cb.probeOKs = 0, 0, 0
	}
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.failures = cb.cfg.MaxFailures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String())
	default:
		slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.probes, cb.probeOKs = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
