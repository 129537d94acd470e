package backoff

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned when the breaker is refusing calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies this breaker in logs and stats.
	Name string
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open to close.
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name, from, to string)
}

// Breaker implements the circuit breaker pattern around a downstream that
// can fail persistently, such as a sandbox pod.
type Breaker struct {
	config BreakerConfig

	mu              sync.RWMutex
	state           string
	failures        int
	successes       int
	lastStateChange time.Time
}

// NewBreaker creates a circuit breaker with the given config, applying
// defaults of 5 failures, 2 successes and a 30s recovery timeout.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call may proceed, transitioning open circuits to
// half-open once the recovery timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if time.Since(b.lastStateChange) >= b.config.RecoveryTimeout {
			b.transitionTo(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Record feeds the outcome of a call into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		switch b.state {
		case CircuitClosed:
			if b.failures >= b.config.FailureThreshold {
				b.transitionTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			b.transitionTo(CircuitOpen)
		}
		return
	}

	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(CircuitClosed)
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(CircuitClosed)
}

func (b *Breaker) transitionTo(newState string) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	b.failures = 0
	b.successes = 0

	if b.config.OnStateChange != nil && oldState != newState {
		// Async so a slow observer cannot block the caller
		go b.config.OnStateChange(b.config.Name, oldState, newState)
	}
}
