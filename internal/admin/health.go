package admin

import (
	"context"
	"time"

	"github.com/chalabi2/rpc-gateway/internal/metrics"
	"github.com/chalabi2/rpc-gateway/internal/registry"
	"github.com/chalabi2/rpc-gateway/internal/upstream"
)

// NodeHealth is the per-endpoint slice of a chain health report.
type NodeHealth struct {
	URL                 string    `json:"url,omitempty"`
	Healthy             bool      `json:"healthy"`
	InFlight            int64     `json:"inFlight"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastProbeAt         time.Time `json:"lastProbeAt,omitempty"`
}

// LayerHealth summarizes one layer of a chain.
type LayerHealth struct {
	Status string       `json:"status"` // healthy | degraded | unhealthy | not_configured
	Nodes  []NodeHealth `json:"nodes,omitempty"`
}

// MetricsHealth summarizes exporter reachability for a chain.
type MetricsHealth struct {
	Status         string                `json:"status"`
	TotalNodes     int                   `json:"totalNodes"`
	AvailableNodes int                   `json:"availableNodes"`
	Nodes          []metrics.NodeMetrics `json:"nodes,omitempty"`
}

// ChainHealth is the fused health view of one chain.
type ChainHealth struct {
	Chain      string              `json:"chain"`
	Execution  LayerHealth         `json:"execution"`
	Consensus  LayerHealth         `json:"consensus"`
	Metrics    MetricsHealth       `json:"metrics"`
	WebSockets []upstream.WSStatus `json:"websockets,omitempty"`
	Overall    string              `json:"overall"` // healthy | degraded
}

// HealthReporter fuses pool state, WebSocket probes, and exporter
// scrapes into per-chain health reports. The admin surface serves it
// with node URLs; the public surface serves it redacted.
type HealthReporter struct {
	registry *registry.Registry
	manager  *upstream.Manager
	prober   *upstream.Prober
	scraper  *metrics.Scraper
}

// NewHealthReporter wires the report sources together.
func NewHealthReporter(reg *registry.Registry, mgr *upstream.Manager, prober *upstream.Prober, scraper *metrics.Scraper) *HealthReporter {
	return &HealthReporter{registry: reg, manager: mgr, prober: prober, scraper: scraper}
}

// Report builds the fused health view for a chain. includeNodes keeps
// node URLs and per-node detail; the public view drops them.
func (h *HealthReporter) Report(ctx context.Context, chain string, includeNodes bool) (*ChainHealth, bool) {
	entry, ok := h.registry.Lookup(chain)
	if !ok {
		return nil, false
	}

	report := &ChainHealth{
		Chain:     entry.Name,
		Execution: h.layerHealth(entry.Name, upstream.LayerExecution, includeNodes),
		Consensus: h.layerHealth(entry.Name, upstream.LayerConsensus, includeNodes),
	}
	report.Metrics = h.metricsHealth(ctx, entry.Endpoints.Prometheus, includeNodes)
	if includeNodes && h.prober != nil {
		report.WebSockets = h.prober.WSStatuses(entry.Name)
	}

	// Overall is healthy iff every configured layer still has at least
	// one healthy node.
	report.Overall = "healthy"
	for _, lh := range []LayerHealth{report.Execution, report.Consensus} {
		if lh.Status == "unhealthy" {
			report.Overall = "unhealthy"
		}
	}
	return report, true
}

func (h *HealthReporter) layerHealth(chain string, layer upstream.Layer, includeNodes bool) LayerHealth {
	pool, ok := h.manager.Pool(chain, layer)
	if !ok {
		return LayerHealth{Status: "not_configured"}
	}

	lh := LayerHealth{}
	healthy := 0
	for _, ep := range pool.Endpoints() {
		if ep.Healthy() {
			healthy++
		}
		if includeNodes {
			node := NodeHealth{
				URL:                 ep.URL,
				Healthy:             ep.Healthy(),
				InFlight:            ep.InFlight(),
				ConsecutiveFailures: ep.ConsecutiveFailures(),
			}
			if !ep.LastProbeAt().IsZero() && ep.LastProbeAt().Unix() > 0 {
				node.LastProbeAt = ep.LastProbeAt()
			}
			lh.Nodes = append(lh.Nodes, node)
		}
	}

	total := len(pool.Endpoints())
	switch {
	case healthy == total:
		lh.Status = "healthy"
	case healthy > 0:
		lh.Status = "degraded"
	default:
		lh.Status = "unhealthy"
	}
	return lh
}

func (h *HealthReporter) metricsHealth(ctx context.Context, urls []string, includeNodes bool) MetricsHealth {
	if len(urls) == 0 || h.scraper == nil {
		return MetricsHealth{Status: "not_configured"}
	}

	nodes := h.scraper.Scrape(ctx, urls)
	mh := MetricsHealth{TotalNodes: len(nodes)}
	for _, n := range nodes {
		if n.Status == "available" {
			mh.AvailableNodes++
		}
	}
	switch {
	case mh.AvailableNodes == mh.TotalNodes:
		mh.Status = "healthy"
	case mh.AvailableNodes > 0:
		mh.Status = "degraded"
	default:
		mh.Status = "unhealthy"
	}
	if includeNodes {
		mh.Nodes = nodes
	}
	return mh
}
