package metrics

import (
	"sync"
	"time"
)

// BreakerState is the admission state of a scrape circuit breaker.
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
	default:
		return "unknown"
	}
}

const breakerCooldown = 60 * time.Second

// Breaker guards one node exporter against repeated scrape attempts
// while it is down. Closed admits everything; after the failure
// threshold it opens and rejects scrapes until the cooldown passes,
// then admits a single trial in half-open state.
type Breaker struct {
	mu sync.Mutex

	threshold   int
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewBreaker builds a closed breaker that opens after threshold
// consecutive failures.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold, state: BreakerClosed}
}

// Allow reports whether a scrape may proceed, transitioning an open
// breaker to half-open once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > breakerCooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure counts one failure; a half-open breaker reopens
// immediately, a closed one opens at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
	}
}

// State returns the current admission state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
