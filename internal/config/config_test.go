package config

import (
	"testing"
	"time"
)

func TestDiscoverChains(t *testing.T) {
	cfg := &Config{Chains: make(map[string]ChainEndpoints)}
	environ := []string{
		"ETHEREUM_EXECUTION_RPC_URL=http://exec-a:8545,http://exec-b:8545",
		"ETHEREUM_CONSENSUS_API_URL=http://beacon-a:5052",
		"ETHEREUM_PROMETHEUS_URL=http://prom-a:9090, http://prom-b:9090",
		"GNOSIS_EXECUTION_RPC_URL=http://gnosis:8545",
		"PATH=/usr/bin",
		"HOME=/root",
	}

	if err := discoverChains(cfg, environ); err != nil {
		t.Fatalf("discoverChains: %v", err)
	}

	eth, ok := cfg.Chains["ethereum"]
	if !ok {
		t.Fatalf("expected ethereum chain to be discovered")
	}
	if len(eth.Execution) != 2 {
		t.Errorf("expected 2 execution URLs, got %d", len(eth.Execution))
	}
	if len(eth.Consensus) != 1 || eth.Consensus[0] != "http://beacon-a:5052" {
		t.Errorf("unexpected consensus URLs: %v", eth.Consensus)
	}
	if len(eth.Prometheus) != 2 || eth.Prometheus[1] != "http://prom-b:9090" {
		t.Errorf("unexpected prometheus URLs: %v", eth.Prometheus)
	}

	if _, ok := cfg.Chains["gnosis"]; !ok {
		t.Errorf("expected gnosis chain to be discovered")
	}
	if len(cfg.Chains) != 2 {
		t.Errorf("expected 2 chains, got %d", len(cfg.Chains))
	}
}

func TestDiscoverChainsDropsUnroutable(t *testing.T) {
	cfg := &Config{Chains: make(map[string]ChainEndpoints)}
	environ := []string{
		"ORPHAN_PROMETHEUS_URL=http://prom:9090",
	}

	if err := discoverChains(cfg, environ); err != nil {
		t.Fatalf("discoverChains: %v", err)
	}
	if len(cfg.Chains) != 0 {
		t.Errorf("chain with only prometheus URLs must not be routable, got %v", cfg.Chains)
	}
}

func TestDiscoverChainsRejectsBadURL(t *testing.T) {
	cfg := &Config{Chains: make(map[string]ChainEndpoints)}
	environ := []string{
		"ETHEREUM_EXECUTION_RPC_URL=not a url",
	}

	if err := discoverChains(cfg, environ); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("MONGO_URI", "")
	t.Setenv("ENABLE_METRICS", "")
	t.Setenv("DEFAULT_MAX_RPS", "")
	t.Setenv("DEFAULT_DAILY_REQUESTS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Port)
	}
	if cfg.Limits.DefaultMaxRPS != 20 {
		t.Errorf("default max rps = %d, want 20", cfg.Limits.DefaultMaxRPS)
	}
	if cfg.Limits.DefaultDailyRequests != 10_000 {
		t.Errorf("default daily requests = %d, want 10000", cfg.Limits.DefaultDailyRequests)
	}
	if !cfg.MetricsOn {
		t.Error("metrics should default to enabled")
	}
	if cfg.HealthCheck.Interval != 15*time.Second {
		t.Errorf("default probe interval = %v, want 15s", cfg.HealthCheck.Interval)
	}
	if cfg.HealthCheck.Timeout != 5*time.Second {
		t.Errorf("default probe timeout = %v, want 5s", cfg.HealthCheck.Timeout)
	}
	if cfg.Limits.RequestTimeout != 60*time.Second {
		t.Errorf("default request timeout = %v, want 60s", cfg.Limits.RequestTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DEFAULT_MAX_RPS", "5")
	t.Setenv("DEFAULT_DAILY_REQUESTS", "100")
	t.Setenv("ENABLE_METRICS", "false")
	t.Setenv("HEALTH_CHECK_INTERVAL", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Port)
	}
	if cfg.Limits.DefaultMaxRPS != 5 {
		t.Errorf("max rps = %d, want 5", cfg.Limits.DefaultMaxRPS)
	}
	if cfg.Limits.DefaultDailyRequests != 100 {
		t.Errorf("daily = %d, want 100", cfg.Limits.DefaultDailyRequests)
	}
	if cfg.MetricsOn {
		t.Error("metrics should be disabled")
	}
	if cfg.HealthCheck.Interval != 3*time.Second {
		t.Errorf("interval = %v, want 3s", cfg.HealthCheck.Interval)
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := &Config{
		HealthCheck: HealthCheckConfig{Interval: time.Second, Timeout: time.Second},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing JWT_SECRET")
	}
	cfg.JWTSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
