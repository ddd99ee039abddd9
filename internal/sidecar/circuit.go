package sidecar

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker parameters: a breaker opens after FailureThreshold
// consecutive failures, stays open for OpenTimeout, then allows one
// trial in half-open. The first success in half-open closes it.
const (
	FailureThreshold = 3
	OpenTimeout      = 30 * time.Second
)

// Breaker implements the circuit breaker state machine for one
// sidecar.
type Breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time

	// now is injectable for tests.
	now func() time.Time

	// onStateChange is called outside the lock when the state moves.
	onStateChange func(from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(onStateChange func(from, to State)) *Breaker {
	return &Breaker{
		state:         StateClosed,
		now:           time.Now,
		onStateChange: onStateChange,
	}
}

// Allow reports whether a call may proceed, transitioning open →
// half_open once the open timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= OpenTimeout {
			b.transitionLocked(StateHalfOpen)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		return ErrCircuitOpen
	default:
		b.mu.Unlock()
		return nil
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
}

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// The trial failed; re-open and restart the timeout.
		b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
}

// transitionLocked moves the state machine. Callers hold b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.consecutiveFailures = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.onStateChange != nil && from != to {
		go b.onStateChange(from, to)
	}
}

// State returns the current state, applying the open → half_open
// timeout transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= OpenTimeout {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Stats is a snapshot of breaker internals.
type Stats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}
