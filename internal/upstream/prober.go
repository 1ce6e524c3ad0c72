package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxConcurrentProbes bounds probe fan-out per sweep.
const maxConcurrentProbes = 10

// HealthObserver receives every probe outcome, typically to drive the
// upstream_health gauge.
type HealthObserver func(chain string, layer Layer, url string, healthy bool)

// WSStatus is the result of a WebSocket connectivity probe. It is
// surfaced on the admin health view only and never affects routing.
type WSStatus struct {
	URL       string    `json:"url"`
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Prober periodically probes every endpoint of every pool and flips
// the health bits the pools select on.
type Prober struct {
	manager  *Manager
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	observe  HealthObserver
	logger   *zap.Logger

	mu       sync.RWMutex
	wsStatus map[string][]WSStatus // chain -> probe results

	shutdown chan struct{}
	done     chan struct{}
}

// NewProber creates a prober over the manager's pools.
func NewProber(manager *Manager, interval, timeout time.Duration, observe HealthObserver, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		manager:  manager,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
		observe:  observe,
		logger:   logger,
		wsStatus: make(map[string][]WSStatus),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background probe loop. The first sweep runs
// immediately so health bits settle before traffic relies on them.
func (p *Prober) Start() {
	go func() {
		defer close(p.done)
		p.Sweep(context.Background())

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep(context.Background())
			case <-p.shutdown:
				p.logger.Debug("stopping health prober")
				return
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	close(p.shutdown)
	<-p.done
}

// Sweep probes every endpoint once, bounded by a semaphore.
func (p *Prober) Sweep(ctx context.Context) {
	pools := p.manager.Pools()

	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup
	for _, pool := range pools {
		for _, ep := range pool.Endpoints() {
			wg.Add(1)
			go func(ep *Endpoint) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
				p.probeEndpoint(ctx, ep)
			}(ep)
		}

		if pool.Layer == LayerExecution {
			chain := pool.Chain
			for _, wsURL := range p.manager.WSProbeURLs(chain) {
				wg.Add(1)
				go func(chain, wsURL string) {
					defer wg.Done()
					select {
					case sem <- struct{}{}:
						defer func() { <-sem }()
					case <-ctx.Done():
						return
					}
					p.probeWebSocket(ctx, chain, wsURL)
				}(chain, wsURL)
			}
		}
	}
	wg.Wait()
}

// probeEndpoint runs the layer-appropriate probe and records the
// outcome on the endpoint.
func (p *Prober) probeEndpoint(ctx context.Context, ep *Endpoint) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var err error
	switch ep.Layer {
	case LayerExecution:
		err = p.probeExecution(ctx, ep.URL)
	case LayerConsensus:
		err = p.probeConsensus(ctx, ep.URL)
	default:
		err = fmt.Errorf("unsupported layer: %s", ep.Layer)
	}

	if err != nil {
		ep.RecordFailure(true)
		p.logger.Debug("probe failed",
			zap.String("chain", ep.Chain),
			zap.String("layer", string(ep.Layer)),
			zap.String("url", ep.URL),
			zap.Int("consecutive_failures", ep.ConsecutiveFailures()),
			zap.Error(err))
	} else {
		ep.RecordSuccess(true)
	}

	if p.observe != nil {
		p.observe(ep.Chain, ep.Layer, ep.URL, ep.Healthy())
	}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	ID int `json:"id"`
}

// probeExecution posts eth_blockNumber; healthy iff HTTP 200 and the
// body parses with a result field.
func (p *Prober) probeExecution(ctx context.Context, target string) error {
	reqBody, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "eth_blockNumber",
		Params:  []interface{}{},
		ID:      1,
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("JSON-RPC request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.logger.Debug("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JSON-RPC status %d", resp.StatusCode)
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding JSON-RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("JSON-RPC response missing result")
	}
	return nil
}

// probeConsensus gets /eth/v1/node/health; healthy iff 200 or 206
// (206 means syncing but serving).
func (p *Prober) probeConsensus(ctx context.Context, target string) error {
	healthURL := strings.TrimSuffix(target, "/") + "/eth/v1/node/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("beacon health request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.logger.Debug("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("beacon health status %d", resp.StatusCode)
	}
	return nil
}

// probeWebSocket dials the execution-layer WebSocket endpoint and
// attempts a newHeads subscription round trip.
func (p *Prober) probeWebSocket(ctx context.Context, chain, wsURL string) {
	status := WSStatus{URL: wsURL, CheckedAt: time.Now()}
	if err := p.dialWebSocket(ctx, wsURL); err != nil {
		status.Error = err.Error()
		p.logger.Debug("WebSocket probe failed",
			zap.String("chain", chain),
			zap.String("url", wsURL),
			zap.Error(err))
	} else {
		status.Reachable = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	existing := p.wsStatus[chain]
	replaced := false
	for i, s := range existing {
		if s.URL == wsURL {
			existing[i] = status
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, status)
	}
	p.wsStatus[chain] = existing
}

func (p *Prober) dialWebSocket(ctx context.Context, wsURL string) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported WebSocket scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: p.timeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("WebSocket connection failed: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.logger.Debug("failed to close connection", zap.Error(err))
		}
	}()

	testMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params":  []interface{}{"newHeads"},
		"id":      1,
	}
	if err := conn.WriteJSON(testMsg); err != nil {
		return fmt.Errorf("WebSocket write failed: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	var response map[string]interface{}
	if err := conn.ReadJSON(&response); err != nil {
		return fmt.Errorf("WebSocket read failed: %w", err)
	}
	return nil
}

// WSStatuses returns the latest WebSocket probe results for a chain.
func (p *Prober) WSStatuses(chain string) []WSStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]WSStatus, len(p.wsStatus[chain]))
	copy(out, p.wsStatus[chain])
	return out
}
