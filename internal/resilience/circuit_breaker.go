// Package resilience guards calls to shared infrastructure, primarily the
// domain event bus, so that a failing broker degrades publishing instead of
// stalling request paths.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of running the call while the circuit
// rejects traffic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's position in the closed/open/half-open cycle.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// Settings configures one breaker. The bridge creates one per bus topic so a
// dead notification queue does not stop tender events from publishing.
type Settings struct {
	// Name identifies the guarded topic in state change logs.
	Name string

	// MaxFailures is how many consecutive failures open the circuit.
	MaxFailures int64

	// ResetTimeout is how long the circuit stays open before probing again.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is how many successful probes close the circuit.
	HalfOpenMaxRequests int64

	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker fails fast once the guarded call keeps erroring, then lets
// a trickle of probes through after ResetTimeout to detect recovery.
type CircuitBreaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	failures        int64
	successes       int64
	lastStateChange time.Time
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = defaultMaxFailures
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = defaultResetTimeout
	}
	if settings.HalfOpenMaxRequests <= 0 {
		settings.HalfOpenMaxRequests = defaultHalfOpenMax
	}

	return &CircuitBreaker{
		settings:        settings,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open. fn's own error passes through
// untouched; a rejected call returns ErrCircuitOpen without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State reports the effective state, applying the open-to-half-open timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState must be called with cb.mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.settings.ResetTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.successes < cb.settings.HalfOpenMaxRequests
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.HalfOpenMaxRequests {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// A failed probe sends the circuit straight back to open.
		cb.setState(StateOpen)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, oldState, newState)
	}
}
