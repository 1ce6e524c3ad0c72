package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-gateway/internal/config"
)

// ErrSaturated is returned when every endpoint of a pool is at its
// in-flight cap and no slack appeared within the wait budget.
var ErrSaturated = errors.New("all upstreams saturated")

// ErrNoEndpoints is returned for a pool with no endpoints at all.
var ErrNoEndpoints = errors.New("no upstream endpoints configured")

// saturationPoll is how often a waiting request re-checks for slack.
const saturationPoll = 25 * time.Millisecond

// Pool holds the ordered endpoints for one (chain, layer) pair and
// picks a target per request: round-robin over the healthy set, ties
// broken by least in-flight, falling back to the least-recently-failed
// endpoint when nothing is healthy.
type Pool struct {
	Chain string
	Layer Layer

	endpoints  []*Endpoint
	rr         atomic.Uint64
	inFlight   int64 // per-endpoint cap
	waitBudget time.Duration
}

// NewPool builds a pool over the given URLs in configuration order.
func NewPool(chain string, layer Layer, urls []string, cap int64, waitBudget time.Duration) *Pool {
	p := &Pool{
		Chain:      chain,
		Layer:      layer,
		inFlight:   cap,
		waitBudget: waitBudget,
	}
	for _, u := range urls {
		p.endpoints = append(p.endpoints, NewEndpoint(u, chain, layer))
	}
	return p
}

// Endpoints returns the pool's endpoints in configuration order.
func (p *Pool) Endpoints() []*Endpoint { return p.endpoints }

// Pick selects an endpoint and reserves an in-flight slot on it.
// The caller must Release the returned endpoint. degraded is true when
// the pick fell back to an unhealthy endpoint because none were
// healthy (optimistic probe).
func (p *Pool) Pick(ctx context.Context) (ep *Endpoint, degraded bool, err error) {
	if len(p.endpoints) == 0 {
		return nil, false, ErrNoEndpoints
	}

	deadline := time.Now().Add(p.waitBudget)
	for {
		if ep := p.pickHealthy(); ep != nil {
			return ep, false, nil
		}

		// Unhealthy endpoints are only eligible when nothing is
		// healthy: optimistically try the least-recently-failed one so
		// a recovered node is rediscovered without waiting for the
		// prober. Saturated healthy endpoints wait for slack instead.
		if p.HealthyCount() == 0 {
			if ep := p.pickDegraded(); ep != nil {
				return ep, true, nil
			}
		}

		// Every eligible endpoint is at its in-flight cap; wait
		// briefly for slack.
		if time.Now().After(deadline) {
			return nil, false, ErrSaturated
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(saturationPoll):
		}
	}
}

// pickHealthy round-robins over healthy endpoints with capacity,
// preferring the least-loaded when the rotation target is busier than
// an alternative.
func (p *Pool) pickHealthy() *Endpoint {
	n := uint64(len(p.endpoints))
	start := p.rr.Add(1)

	var best *Endpoint
	var bestLoad int64
	for i := uint64(0); i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if !ep.Healthy() {
			continue
		}
		load := ep.InFlight()
		if load >= p.inFlight {
			continue
		}
		if best == nil {
			best, bestLoad = ep, load
			continue
		}
		if load < bestLoad {
			best, bestLoad = ep, load
		}
	}
	if best == nil {
		return nil
	}
	if !best.Acquire(p.inFlight) {
		// Lost the slot to a concurrent request; let the caller retry.
		return nil
	}
	return best
}

// pickDegraded picks the least-recently-failed endpoint with capacity.
func (p *Pool) pickDegraded() *Endpoint {
	var best *Endpoint
	var bestFailed time.Time
	for _, ep := range p.endpoints {
		if ep.InFlight() >= p.inFlight {
			continue
		}
		failed := ep.LastFailedAt()
		if best == nil || failed.Before(bestFailed) {
			best, bestFailed = ep, failed
		}
	}
	if best == nil || !best.Acquire(p.inFlight) {
		return nil
	}
	return best
}

// HealthyCount returns the number of currently healthy endpoints.
func (p *Pool) HealthyCount() int {
	count := 0
	for _, ep := range p.endpoints {
		if ep.Healthy() {
			count++
		}
	}
	return count
}

type poolKey struct {
	chain string
	layer Layer
}

// Manager indexes pools by (chain, layer). Pools are built once from
// the discovered chain configuration and rebuilt atomically on reload;
// WebSocket probe URLs ride along for the prober.
type Manager struct {
	mu     sync.RWMutex
	pools  map[poolKey]*Pool
	wsURLs map[string][]string

	cap        int64
	waitBudget time.Duration
	logger     *zap.Logger
}

// NewManager builds pools for every discovered chain and layer.
func NewManager(chains map[string]config.ChainEndpoints, cap int64, waitBudget time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cap:        cap,
		waitBudget: waitBudget,
		logger:     logger,
	}
	m.Rebuild(chains)
	return m
}

// Rebuild replaces all pools from a fresh chain configuration.
func (m *Manager) Rebuild(chains map[string]config.ChainEndpoints) {
	pools := make(map[poolKey]*Pool)
	wsURLs := make(map[string][]string)
	for chain, eps := range chains {
		if len(eps.Execution) > 0 {
			pools[poolKey{chain, LayerExecution}] = NewPool(chain, LayerExecution, eps.Execution, m.cap, m.waitBudget)
		}
		if len(eps.Consensus) > 0 {
			pools[poolKey{chain, LayerConsensus}] = NewPool(chain, LayerConsensus, eps.Consensus, m.cap, m.waitBudget)
		}
		if len(eps.ExecutionWS) > 0 {
			wsURLs[chain] = eps.ExecutionWS
		}
	}

	m.mu.Lock()
	m.pools = pools
	m.wsURLs = wsURLs
	m.mu.Unlock()

	m.logger.Info("upstream pools built",
		zap.Int("pools", len(pools)),
		zap.Int("ws_probe_chains", len(wsURLs)))
}

// Pool returns the pool for a chain and layer.
func (m *Manager) Pool(chain string, layer Layer) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[poolKey{chain, layer}]
	return p, ok
}

// Pools returns a snapshot of all pools.
func (m *Manager) Pools() []*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// WSProbeURLs returns the WebSocket probe URLs for a chain.
func (m *Manager) WSProbeURLs(chain string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wsURLs[chain]
}
