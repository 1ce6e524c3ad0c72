// Package config loads gateway configuration from the environment.
//
// Chain upstreams are discovered by scanning the environment for
// variables of the form <PREFIX>_EXECUTION_RPC_URL,
// <PREFIX>_CONSENSUS_API_URL and <PREFIX>_PROMETHEUS_URL, each a
// comma-separated URL list. The prefix, lowercased, becomes the chain
// name on the routing surface.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	suffixExecutionRPC = "_EXECUTION_RPC_URL"
	suffixConsensusAPI = "_CONSENSUS_API_URL"
	suffixPrometheus   = "_PROMETHEUS_URL"
	suffixExecutionWS  = "_EXECUTION_WS_URL"
)

// ChainEndpoints holds the upstream URL lists discovered for one chain.
type ChainEndpoints struct {
	Execution   []string `json:"execution,omitempty"`
	Consensus   []string `json:"consensus,omitempty"`
	Prometheus  []string `json:"prometheus,omitempty"`
	ExecutionWS []string `json:"execution_ws,omitempty"`
}

// HealthCheckConfig holds prober timing configuration.
type HealthCheckConfig struct {
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
}

// LimitsConfig holds app-limit bootstrap values.
type LimitsConfig struct {
	DefaultMaxRPS         int   `json:"default_max_rps"`
	DefaultDailyRequests  int64 `json:"default_daily_requests"`
	EndpointInFlightCap   int64 `json:"endpoint_in_flight_cap"`
	SaturationWaitBudget  time.Duration
	RequestTimeout        time.Duration
	ShutdownDrainDeadline time.Duration
}

// Config represents the complete gateway configuration.
type Config struct {
	Port          int
	JWTSecret     string
	MongoURI      string
	MetricsOn     bool
	Chains        map[string]ChainEndpoints
	HealthCheck   HealthCheckConfig
	Limits        LimitsConfig
	ScrapeTimeout time.Duration
}

// Load reads configuration from the process environment and applies
// defaults. It fails on malformed values or malformed upstream URLs;
// a gateway with zero chains is allowed (it can still serve the
// admin and tenant surfaces).
func Load() (*Config, error) {
	cfg := &Config{
		Chains: make(map[string]ChainEndpoints),
	}

	cfg.Port = 8080
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.MongoURI = os.Getenv("MONGO_URI")

	cfg.MetricsOn = true
	if v := os.Getenv("ENABLE_METRICS"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ENABLE_METRICS %q", v)
		}
		cfg.MetricsOn = on
	}

	cfg.Limits.DefaultMaxRPS = 20
	if v := os.Getenv("DEFAULT_MAX_RPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid DEFAULT_MAX_RPS %q", v)
		}
		cfg.Limits.DefaultMaxRPS = n
	}

	cfg.Limits.DefaultDailyRequests = 10_000
	if v := os.Getenv("DEFAULT_DAILY_REQUESTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid DEFAULT_DAILY_REQUESTS %q", v)
		}
		cfg.Limits.DefaultDailyRequests = n
	}

	cfg.HealthCheck.Interval = 15 * time.Second
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEALTH_CHECK_INTERVAL %q", v)
		}
		cfg.HealthCheck.Interval = d
	}

	cfg.HealthCheck.Timeout = 5 * time.Second
	if v := os.Getenv("HEALTH_CHECK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEALTH_CHECK_TIMEOUT %q", v)
		}
		cfg.HealthCheck.Timeout = d
	}

	cfg.Limits.EndpointInFlightCap = 256
	cfg.Limits.SaturationWaitBudget = 500 * time.Millisecond
	cfg.Limits.RequestTimeout = 60 * time.Second
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUEST_TIMEOUT %q", v)
		}
		cfg.Limits.RequestTimeout = d
	}
	cfg.Limits.ShutdownDrainDeadline = 30 * time.Second

	cfg.ScrapeTimeout = 10 * time.Second

	if err := discoverChains(cfg, os.Environ()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// discoverChains scans the given environment (KEY=VALUE pairs) for
// chain upstream variables and fills cfg.Chains.
func discoverChains(cfg *Config, environ []string) error {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if value == "" {
			continue
		}

		var suffix string
		switch {
		case strings.HasSuffix(key, suffixExecutionRPC):
			suffix = suffixExecutionRPC
		case strings.HasSuffix(key, suffixConsensusAPI):
			suffix = suffixConsensusAPI
		case strings.HasSuffix(key, suffixPrometheus):
			suffix = suffixPrometheus
		case strings.HasSuffix(key, suffixExecutionWS):
			suffix = suffixExecutionWS
		default:
			continue
		}

		prefix := strings.TrimSuffix(key, suffix)
		if prefix == "" {
			continue
		}
		chain := strings.ToLower(prefix)

		urls, err := splitURLList(value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		if len(urls) == 0 {
			continue
		}

		entry := cfg.Chains[chain]
		switch suffix {
		case suffixExecutionRPC:
			entry.Execution = urls
		case suffixConsensusAPI:
			entry.Consensus = urls
		case suffixPrometheus:
			entry.Prometheus = urls
		case suffixExecutionWS:
			entry.ExecutionWS = urls
		}
		cfg.Chains[chain] = entry
	}

	// A chain reachable only through a WS probe or a prometheus
	// endpoint is not routable; drop it rather than route into a void.
	for name, entry := range cfg.Chains {
		if len(entry.Execution) == 0 && len(entry.Consensus) == 0 {
			delete(cfg.Chains, name)
		}
	}

	return nil
}

// splitURLList parses a comma-separated URL list, validating each entry.
func splitURLList(value string) ([]string, error) {
	var urls []string
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("invalid URL %q: unsupported scheme %q", raw, u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("invalid URL %q: empty host", raw)
		}
		urls = append(urls, raw)
	}
	return urls, nil
}

// Validate checks settings that are required for serving traffic.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.HealthCheck.Interval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.HealthCheck.Timeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}
	return nil
}
