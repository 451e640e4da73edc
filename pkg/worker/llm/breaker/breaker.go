// Package breaker implements a per-provider circuit breaker. State is
// process-local: each worker replica tracks provider health independently.
package breaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips open after Threshold consecutive failures and allows a single
// probe call once Timeout has elapsed since the last failure.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	threshold int
	timeout   time.Duration

	// Now is injectable for tests.
	Now func() time.Time
}

// New creates a breaker. threshold must be >= 1.
func New(threshold int, timeout time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
		Now:       time.Now,
	}
}

// CanExecute reports whether a call may proceed. An open breaker transitions
// to half-open once the timeout has elapsed, admitting the probe call.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.Now().Sub(b.lastFailure) >= b.timeout {
			b.state = HalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

// RecordFailure counts one failure. A half-open probe failure reopens
// immediately; a closed breaker opens at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.Now()
	if b.state == HalfOpen {
		b.state = Open
		b.failures = b.threshold
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
