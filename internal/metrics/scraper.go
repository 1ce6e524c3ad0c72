package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const scrapeBreakerThreshold = 5

// scrapeSeries is the subset of exporter series surfaced to admins.
// Everything else in the exposition is dropped.
var scrapeSeries = map[string]bool{
	"go_goroutines":                 true,
	"go_threads":                    true,
	"go_memstats_alloc_bytes":       true,
	"go_memstats_sys_bytes":         true,
	"go_memstats_heap_inuse_bytes":  true,
	"process_cpu_seconds_total":     true,
	"process_resident_memory_bytes": true,
	"process_open_fds":              true,
}

// NodeMetrics is one node's scrape outcome. Either Metrics or Error is
// populated, never both.
type NodeMetrics struct {
	NodeIndex int                `json:"nodeIndex"`
	NodeURL   string             `json:"nodeUrl"`
	Status    string             `json:"status"` // available | unavailable
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Scraper fans out to a chain's Prometheus exporters and aggregates
// the per-node results. A circuit breaker per node URL keeps a dead
// exporter from being re-dialed on every admin request.
type Scraper struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewScraper builds a scraper with the given per-node timeout.
func NewScraper(timeout time.Duration, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

func (s *Scraper) breakerFor(url string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[url]
	if !ok {
		b = NewBreaker(scrapeBreakerThreshold)
		s.breakers[url] = b
	}
	return b
}

// Scrape queries every node URL in parallel. A node failure marks that
// node unavailable but never fails the aggregate; the returned slice
// is indexed in input order.
func (s *Scraper) Scrape(ctx context.Context, urls []string) []NodeMetrics {
	results := make([]NodeMetrics, len(urls))

	g, ctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			results[i] = s.scrapeNode(ctx, i, u)
			return nil
		})
	}
	// Workers never return errors; partial failures live in results.
	_ = g.Wait()

	return results
}

func (s *Scraper) scrapeNode(ctx context.Context, index int, url string) NodeMetrics {
	nm := NodeMetrics{NodeIndex: index, NodeURL: url, Status: "unavailable"}

	br := s.breakerFor(url)
	if !br.Allow() {
		nm.Error = "circuit open"
		return nm
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	parsed, err := s.fetch(ctx, url)
	if err != nil {
		br.RecordFailure()
		nm.Error = err.Error()
		s.logger.Debug("node scrape failed", zap.String("url", url), zap.Error(err))
		return nm
	}

	br.RecordSuccess()
	nm.Status = "available"
	nm.Metrics = parsed
	return nm
}

func (s *Scraper) fetch(ctx context.Context, url string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return parseExposition(body)
}

// parseExposition extracts the surfaced series from a Prometheus text
// exposition. Vector series fold their labels into the key.
func parseExposition(body []byte) (map[string]float64, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse exposition: %w", err)
	}

	out := make(map[string]float64)
	for name, family := range families {
		if !scrapeSeries[name] && !strings.HasPrefix(name, "rpc_") {
			continue
		}
		for _, m := range family.GetMetric() {
			key := name
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, l.GetName()+"="+l.GetValue())
				}
				key = name + "{" + strings.Join(parts, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetUntyped() != nil:
				out[key] = m.GetUntyped().GetValue()
			case m.GetSummary() != nil:
				out[key+"_sum"] = m.GetSummary().GetSampleSum()
			case m.GetHistogram() != nil:
				out[key+"_sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return out, nil
}
