// Package reconnect provides jittered exponential backoff and a circuit
// breaker for callers that redial a daemon after a TransportClosed
// error, such as cmd/adbshell. adbcore itself never reconnects on its
// own (a Handshake/Multiplexer pair owns exactly one connection
// attempt); this is strictly caller-side retry policy.
package reconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Strategy is configurable reconnection backoff with optional circuit
// breaking, so a client stops hammering a daemon that keeps refusing.
type Strategy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int // 0 = unlimited
	JitterPercent   float64
	CircuitBreaker  *CircuitBreaker

	currentInterval time.Duration
	attempts        int
	mu              sync.Mutex
}

// NewStrategy returns a Strategy with adbshell's default pacing.
func NewStrategy() *Strategy {
	return &Strategy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     60 * time.Second,
		JitterPercent:   0.1,
		currentInterval: 1 * time.Second,
	}
}

// NextBackoff returns the delay before the next attempt, advancing the
// internal exponential state.
func (r *Strategy) NextBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.CircuitBreaker != nil && !r.CircuitBreaker.Allow() {
		return r.MaxInterval
	}

	jitter := time.Duration(0)
	if r.JitterPercent > 0 {
		jitter = time.Duration(float64(r.currentInterval) * r.JitterPercent * (rand.Float64()*2 - 1))
	}
	backoff := r.currentInterval + jitter

	r.currentInterval *= 2
	if r.currentInterval > r.MaxInterval {
		r.currentInterval = r.MaxInterval
	}
	r.attempts++
	return backoff
}

// Reset clears accumulated backoff and breaker state, for a caller that
// just reconnected successfully.
func (r *Strategy) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentInterval = r.InitialInterval
	r.attempts = 0
	if r.CircuitBreaker != nil {
		r.CircuitBreaker.Reset()
	}
}

// ShouldRetry reports whether another attempt is permitted under
// MaxRetries.
func (r *Strategy) ShouldRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.MaxRetries == 0 || r.attempts < r.MaxRetries
}

// Attempts returns the number of backoffs issued since the last Reset.
func (r *Strategy) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// CircuitBreaker trips open after a run of consecutive failures, so a
// caller stops attempting to redial a daemon that is clearly down.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	lastFailure      time.Time
	state            CircuitState
	mu               sync.RWMutex
}

// CircuitState is one of Closed (allow), Open (deny), HalfOpen (probe).
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{failureThreshold: failureThreshold, resetTimeout: resetTimeout, state: StateClosed}
}

// Allow reports whether an attempt should proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

// RecordFailure counts a failure, tripping the breaker open once
// failureThreshold consecutive failures accumulate.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset closes the breaker and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

// Retry calls fn until it succeeds, ctx is cancelled, or strategy gives
// up, sleeping strategy's backoff between attempts. Each outcome is
// recorded on strategy.CircuitBreaker, if one is set.
func Retry(ctx context.Context, strategy *Strategy, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			if strategy.CircuitBreaker != nil {
				strategy.CircuitBreaker.RecordSuccess()
			}
			return nil
		}
		if strategy.CircuitBreaker != nil {
			strategy.CircuitBreaker.RecordFailure()
		}
		if !strategy.ShouldRetry() {
			return err
		}

		backoff := strategy.NextBackoff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			continue
		}
	}
}
