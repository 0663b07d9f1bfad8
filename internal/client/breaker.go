package client

import (
	"errors"
	"sync"
	"time"
)

// ErrKernelUnavailable is returned by Exchange while the breaker is open.
var ErrKernelUnavailable = errors.New("client: remote kernel unavailable")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker trips after a run of consecutive failures and fails fast until a
// cooldown elapses. After the cooldown a single probe is let through:
// success closes the breaker again, failure reopens it.
// It is safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	probing     bool
	lastFailure time.Time
}

// NewBreaker creates a Breaker that opens after maxFailures consecutive
// failures and probes again once cooldown has passed.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:       BreakerClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// Allow reports whether a request may proceed. Every Allow that returns
// true must be matched by exactly one Success or Failure call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	default:
		// Half-open admits one probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Success records a completed request and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = BreakerClosed
}

// Failure records a failed request. A failed probe or the maxFailures-th
// consecutive failure opens the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	b.probing = false

	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		b.state = BreakerOpen
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
