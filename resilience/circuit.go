package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// Name labels the breaker in errors and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// circuit.
	// Default: 5
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before a probe is
	// let through.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// HalfOpenMaxRequests bounds concurrent probes.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange runs after every transition, outside the breaker's
	// lock.
	OnStateChange func(name string, from, to State)

	// IsFailure decides whether err counts against the circuit.
	// Default: every non-nil error.
	IsFailure func(err error) bool

	Now func() time.Time
}

// OpenError is returned while the circuit rejects calls. It matches
// ErrCircuitOpen.
type OpenError struct {
	Name string
	// RetryAt is when the next probe will be admitted.
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	if e.Name == "" {
		return ErrCircuitOpen.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrCircuitOpen.Error(), e.Name)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// CircuitSnapshot is a point-in-time view of a breaker.
type CircuitSnapshot struct {
	State               State
	ConsecutiveFailures int
	// OpenedAt and RetryAt are zero while the circuit is closed.
	OpenedAt time.Time
	RetryAt  time.Time
}

type transition struct{ from, to State }

// CircuitBreaker stops calling a dependency after repeated failures and
// probes it again once ResetTimeout has passed.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{config: config}
}

// Execute runs op unless the circuit is open, in which case it returns an
// *OpenError without calling op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := op(ctx)
	cb.record(err)
	return err
}

// State returns the current position.
func (cb *CircuitBreaker) State() State {
	return cb.Snapshot().State
}

// Snapshot returns the current state and failure count.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	moved := cb.advanceLocked()
	snap := CircuitSnapshot{State: cb.state, ConsecutiveFailures: cb.failures}
	if cb.state != StateClosed {
		snap.OpenedAt = cb.openedAt
		snap.RetryAt = cb.openedAt.Add(cb.config.ResetTimeout)
	}
	cb.mu.Unlock()
	cb.notify(moved)
	return snap
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probes = 0
	moved := cb.moveLocked(nil, StateClosed)
	cb.mu.Unlock()
	cb.notify(moved)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	moved := cb.advanceLocked()
	var err error
	switch {
	case cb.state == StateOpen,
		cb.state == StateHalfOpen && cb.probes >= cb.config.HalfOpenMaxRequests:
		err = &OpenError{Name: cb.config.Name, RetryAt: cb.openedAt.Add(cb.config.ResetTimeout)}
	case cb.state == StateHalfOpen:
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(moved)
	return err
}

func (cb *CircuitBreaker) record(err error) {
	failed := cb.config.IsFailure(err)

	cb.mu.Lock()
	var moved []transition
	switch {
	case !failed:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			moved = cb.moveLocked(moved, StateClosed)
		}
	case cb.state == StateHalfOpen:
		moved = cb.tripLocked(moved)
	case cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			moved = cb.tripLocked(moved)
		}
	}
	cb.mu.Unlock()
	cb.notify(moved)
}

func (cb *CircuitBreaker) tripLocked(moved []transition) []transition {
	cb.openedAt = cb.config.Now()
	return cb.moveLocked(moved, StateOpen)
}

// advanceLocked moves an open circuit to half-open once ResetTimeout has
// elapsed.
func (cb *CircuitBreaker) advanceLocked() []transition {
	if cb.state != StateOpen || cb.config.Now().Sub(cb.openedAt) < cb.config.ResetTimeout {
		return nil
	}
	cb.probes = 0
	return cb.moveLocked(nil, StateHalfOpen)
}

func (cb *CircuitBreaker) moveLocked(moved []transition, to State) []transition {
	if cb.state == to {
		return moved
	}
	moved = append(moved, transition{from: cb.state, to: to})
	cb.state = to
	return moved
}

func (cb *CircuitBreaker) notify(moved []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, t := range moved {
		cb.config.OnStateChange(cb.config.Name, t.from, t.to)
	}
}
