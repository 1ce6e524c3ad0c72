// Package upstream tracks backend node endpoints per chain and layer,
// selects targets for dispatch, and probes node health in the
// background.
package upstream

import (
	"sync/atomic"
	"time"
)

// Layer identifies which backend surface an endpoint serves.
type Layer string

const (
	LayerExecution Layer = "execution"
	LayerConsensus Layer = "consensus"
)

// unhealthyAfter is the number of consecutive failures, from probes or
// forwarded requests, after which an endpoint stops receiving traffic.
const unhealthyAfter = 2

// Endpoint is the in-memory state of one backend node URL. Health is
// written by the prober (and by forward failures); in-flight
// bookkeeping is written by the pool. Never persisted.
type Endpoint struct {
	URL   string
	Chain string
	Layer Layer

	healthy      atomic.Bool
	consecFails  atomic.Int32
	inFlight     atomic.Int64
	lastProbeAt  atomic.Int64 // unix nanos
	lastFailedAt atomic.Int64 // unix nanos
}

// NewEndpoint creates an endpoint in the healthy state so traffic can
// flow before the first probe completes.
func NewEndpoint(url, chain string, layer Layer) *Endpoint {
	e := &Endpoint{URL: url, Chain: chain, Layer: layer}
	e.healthy.Store(true)
	return e
}

// Healthy reports whether the last observations left the endpoint
// eligible for selection.
func (e *Endpoint) Healthy() bool { return e.healthy.Load() }

// InFlight returns the current number of requests using this endpoint.
func (e *Endpoint) InFlight() int64 { return e.inFlight.Load() }

// LastProbeAt returns the time of the most recent probe observation.
func (e *Endpoint) LastProbeAt() time.Time {
	return time.Unix(0, e.lastProbeAt.Load())
}

// LastFailedAt returns the time of the most recent recorded failure.
func (e *Endpoint) LastFailedAt() time.Time {
	return time.Unix(0, e.lastFailedAt.Load())
}

// ConsecutiveFailures returns the current failure streak.
func (e *Endpoint) ConsecutiveFailures() int {
	return int(e.consecFails.Load())
}

// Acquire reserves an in-flight slot, refusing beyond cap.
func (e *Endpoint) Acquire(cap int64) bool {
	for {
		n := e.inFlight.Load()
		if n >= cap {
			return false
		}
		if e.inFlight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release returns an in-flight slot.
func (e *Endpoint) Release() {
	if e.inFlight.Add(-1) < 0 {
		// Unbalanced release; clamp rather than wrap.
		e.inFlight.Store(0)
	}
}

// RecordSuccess clears the failure streak and restores health.
// One success is enough to flip an unhealthy endpoint back.
func (e *Endpoint) RecordSuccess(probed bool) {
	e.consecFails.Store(0)
	e.healthy.Store(true)
	if probed {
		e.lastProbeAt.Store(time.Now().UnixNano())
	}
}

// RecordFailure counts one failure toward the unhealthy flip. Both the
// prober and the reverse proxy call this, so a failing node is taken
// out of rotation without waiting for the next probe interval.
func (e *Endpoint) RecordFailure(probed bool) {
	now := time.Now().UnixNano()
	e.lastFailedAt.Store(now)
	if probed {
		e.lastProbeAt.Store(now)
	}
	if e.consecFails.Add(1) >= unhealthyAfter {
		e.healthy.Store(false)
	}
}
