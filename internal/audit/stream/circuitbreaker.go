package stream

import (
	"sync"
	"time"
)

// CircuitBreaker stops hammering the stream while the broker is down. While
// open, the relay waits out the cooldown instead of attempting publishes.
type CircuitBreaker struct {
	mu sync.RWMutex

	threshold int           // failures to trigger open
	cooldown  time.Duration // how long to stay open
	now       func() time.Time

	failures  int       // consecutive failures
	openUntil time.Time // when to transition from open to half-open
	isOpen    bool
}

// NewCircuitBreaker creates a circuit breaker.
// threshold: number of consecutive failures to open the circuit
// cooldown: how long to stay open before trying again
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow returns true if the circuit is closed or the cooldown has elapsed
// (half-open: one attempt goes through).
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	if !cb.isOpen {
		cb.mu.RUnlock()
		return true
	}
	expired := cb.now().After(cb.openUntil)
	cb.mu.RUnlock()

	if !expired {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.isOpen && cb.now().After(cb.openUntil) {
		cb.isOpen = false
		cb.failures = cb.threshold - 1
	}
	return !cb.isOpen
}

// RemainingCooldown is how long until the circuit half-opens (0 when closed).
func (cb *CircuitBreaker) RemainingCooldown() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if !cb.isOpen {
		return 0
	}
	return max(cb.openUntil.Sub(cb.now()), 0)
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.isOpen = false
}

// RecordFailure records a failed publish, opening the circuit at threshold.
// Returns true when this failure opened the circuit.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.failures >= cb.threshold && !cb.isOpen {
		cb.isOpen = true
		cb.openUntil = cb.now().Add(cb.cooldown)
		return true
	}
	return false
}

// IsOpen returns true if the circuit is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.isOpen
}
