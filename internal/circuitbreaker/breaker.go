// Package circuitbreaker isolates failing OParl hosts behind a three-state
// breaker so one unhealthy municipality server cannot stall a whole sync run.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests fail fast
	StateHalfOpen              // recovery probe in progress
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

// ErrCircuitOpen is returned when the breaker rejects a call without
// issuing it. Callers must not count it as an HTTP failure: the underlying
// failure was already counted when the circuit tripped.
var ErrCircuitOpen = errors.New("circuit open")

// Config holds breaker tuning shared by all hosts of a registry.
type Config struct {
	// FailureThreshold is the number of counted failures in closed state
	// that trips the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a probe
	// is allowed through.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive probe successes in
	// half-open state required to close the circuit again.
	SuccessThreshold int

	// IgnoredStatus lists HTTP status codes that never count as failures.
	// 404 belongs here: a vanished resource says nothing about host health.
	IgnoredStatus map[int]bool

	// FailureStatus, when non-nil, whitelists the status codes that count
	// as failures; everything outside the set is ignored. nil means every
	// failure counts. Transport errors report status 0, so a whitelist
	// must include 0 to keep counting them.
	FailureStatus map[int]bool

	// OnStateChange is invoked after every transition with the host key
	// and the new state. Used to drive the circuit_breaker_state gauge.
	OnStateChange func(host string, to State)
}

// DefaultConfig matches the production tuning: five failures trip the
// circuit, probes start after a minute, two good probes close it.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		IgnoredStatus:    map[int]bool{404: true},
	}
}

// Breaker guards a single upstream host.
type Breaker struct {
	host string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed breaker for the given host key.
func New(host string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{host: host, cfg: cfg, state: StateClosed}
}

// Host returns the host key this breaker guards.
func (b *Breaker) Host() string { return b.host }

// Allow reports whether a call may be issued. In open state it fails fast
// with ErrCircuitOpen until the recovery timeout has elapsed, at which point
// the breaker moves to half-open and lets a probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return fmt.Errorf("%w: host %s", ErrCircuitOpen, b.host)
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// RecordSuccess notes a successful call. In half-open state, enough
// consecutive successes close the circuit and clear all counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call. Status codes in the ignored set never
// count; with a failure whitelist configured, only listed codes count.
// A counted failure in half-open state reopens the circuit immediately.
func (b *Breaker) RecordFailure(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.IgnoredStatus[status] {
		return
	}
	if b.cfg.FailureStatus != nil && !b.cfg.FailureStatus[status] {
		return
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.openedAt = time.Now()
		b.transition(StateOpen)
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// State returns the current state. The read is mutex-guarded to avoid torn
// reads against concurrent transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.host, to)
	}
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("Breaker[%s: state=%s, failures=%d]", b.host, b.state, b.failures)
}
