// Package metrics owns the gateway's Prometheus instrumentation and
// the admin-facing scrape aggregation across a chain's node exporters.
package metrics

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chalabi2/rpc-gateway/internal/upstream"
)

// Service wraps every collector the gateway exposes. A disabled
// service keeps all recording methods as no-ops so call sites never
// branch on ENABLE_METRICS themselves.
type Service struct {
	enabled bool

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	upstreamHealth *prometheus.GaugeVec
}

// NewService creates the collector set. Call Register before serving.
func NewService(enabled bool) *Service {
	return &Service{
		enabled: enabled,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpc",
			Name:      "requests_total",
			Help:      "Total proxied requests by chain, layer, method and outcome",
		}, []string{"chain", "layer", "method", "api_key_hash", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "layer", "method", "api_key_hash"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Requests rejected by the rps or daily limit",
		}, []string{"kind", "api_key_hash"}),
		upstreamHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "upstream_health",
			Help: "Whether an upstream endpoint is healthy (1) or not (0)",
		}, []string{"chain", "layer", "url"}),
	}
}

func (s *Service) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.requests,
		s.duration,
		s.rateLimitHits,
		s.upstreamHealth,
	}
}

// Register registers all collectors with the default registry.
func (s *Service) Register() error {
	if !s.enabled {
		return nil
	}
	for _, c := range s.collectors() {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Unregister removes all collectors from the default registry.
func (s *Service) Unregister() {
	if !s.enabled {
		return
	}
	for _, c := range s.collectors() {
		prometheus.Unregister(c)
	}
}

// Handler serves the Prometheus text exposition.
func (s *Service) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest counts one terminal request outcome and, for proxied
// requests, its duration. A batch records one sample per method.
func (s *Service) RecordRequest(chain string, layer upstream.Layer, method, apiKey, status string, dur time.Duration) {
	if !s.enabled {
		return
	}
	hash := APIKeyHash(apiKey)
	s.requests.WithLabelValues(chain, string(layer), method, hash, status).Inc()
	if dur > 0 {
		s.duration.WithLabelValues(chain, string(layer), method, hash).Observe(dur.Seconds())
	}
}

// RecordRateLimitHit counts one rejected request on the given axis,
// either "rps" or "daily".
func (s *Service) RecordRateLimitHit(kind, apiKey string) {
	if !s.enabled {
		return
	}
	s.rateLimitHits.WithLabelValues(kind, APIKeyHash(apiKey)).Inc()
}

// SetUpstreamHealth publishes one endpoint's health bit. Wired as the
// prober's observer so the gauge tracks every probe sweep.
func (s *Service) SetUpstreamHealth(chain string, layer upstream.Layer, url string, healthy bool) {
	if !s.enabled {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	s.upstreamHealth.WithLabelValues(chain, string(layer), url).Set(v)
}

// APIKeyHash renders a short stable digest of an API key so metrics
// never carry raw credentials.
func APIKeyHash(apiKey string) string {
	if apiKey == "" {
		return "none"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(apiKey))
	return fmt.Sprintf("%08x", h.Sum32())
}
