package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/chalabi2/rpc-gateway/internal/admin"
	"github.com/chalabi2/rpc-gateway/internal/apps"
	"github.com/chalabi2/rpc-gateway/internal/auth"
	"github.com/chalabi2/rpc-gateway/internal/config"
	"github.com/chalabi2/rpc-gateway/internal/limiter"
	"github.com/chalabi2/rpc-gateway/internal/metrics"
	"github.com/chalabi2/rpc-gateway/internal/proxy"
	"github.com/chalabi2/rpc-gateway/internal/registry"
	"github.com/chalabi2/rpc-gateway/internal/store"
	"github.com/chalabi2/rpc-gateway/internal/upstream"
)

func newServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	chains := map[string]config.ChainEndpoints{
		"ethereum": {Execution: []string{"http://exec:8545"}},
	}
	cfg := &config.Config{
		Port:      0,
		JWTSecret: "test-secret",
		MetricsOn: true,
		Chains:    chains,
		Limits: config.LimitsConfig{
			EndpointInFlightCap:   256,
			SaturationWaitBudget:  100 * time.Millisecond,
			RequestTimeout:        5 * time.Second,
			ShutdownDrainDeadline: time.Second,
		},
		ScrapeTimeout: time.Second,
	}

	mem := store.NewMemory()
	reg := registry.New(chains)
	mgr := upstream.NewManager(chains, cfg.Limits.EndpointInFlightCap, cfg.Limits.SaturationWaitBudget, logger)
	lim := limiter.New(logger)
	t.Cleanup(lim.Stop)
	msvc := metrics.NewService(true)
	if err := msvc.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(msvc.Unregister)
	scraper := metrics.NewScraper(cfg.ScrapeTimeout, logger)
	reporter := admin.NewHealthReporter(reg, mgr, nil, scraper)
	authSvc := auth.NewService(mem, cfg.JWTSecret, logger)

	srv := NewServer(Deps{
		Config:     cfg,
		Store:      mem,
		Limiter:    nil, // owned by the test cleanup
		Prober:     nil,
		Metrics:    nil, // unregistered by the test cleanup
		Health:     reporter,
		Dispatcher: NewDispatcher(reg, mgr, mem, lim, proxy.New(logger), msvc, logger),
		Auth:       authSvc,
		Apps:       apps.NewHandler(mem, lim, logger),
		Admin:      admin.NewHandler(mem, reg, reporter, logger),
		Logger:     logger,
	})
	return srv, mem
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Services["database"] != "ok" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Services["uptime"] == "" || resp.Services["memory"] == "" {
		t.Errorf("services = %+v", resp.Services)
	}
}

func TestPublicChainHealthRedactsURLs(t *testing.T) {
	srv, _ := newServer(t)

	r := httptest.NewRequest(http.MethodGet, "/health/ethereum", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var report admin.ChainHealth
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Chain != "ethereum" || report.Execution.Status != "healthy" {
		t.Errorf("report = %+v", report)
	}
	if len(report.Execution.Nodes) != 0 {
		t.Error("public view must not carry per-node detail")
	}

	r = httptest.NewRequest(http.MethodGet, "/health/solana", nil)
	w = httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown chain status = %d, want 404", w.Code)
	}
}

func TestMetricsEndpointServed(t *testing.T) {
	srv, _ := newServer(t)

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAdminRoutesRequireAdminPrincipal(t *testing.T) {
	srv, mem := newServer(t)

	// No token.
	r := httptest.NewRequest(http.MethodGet, "/admin/chains", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", w.Code)
	}

	// Non-admin token.
	authSvc := auth.NewService(mem, "test-secret", zaptest.NewLogger(t))
	u := &store.User{ID: "u1", Email: "dev@example.com", IsActive: true}
	if err := mem.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, _ := authSvc.IssueToken(u)
	r = httptest.NewRequest(http.MethodGet, "/admin/chains", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", w.Code)
	}

	// Admin token.
	u.IsAdmin = true
	adminToken, _ := authSvc.IssueToken(u)
	r = httptest.NewRequest(http.MethodGet, "/admin/chains", nil)
	r.Header.Set("Authorization", "Bearer "+adminToken)
	w = httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", w.Code)
	}
}

func TestDrainingRejectsNewRequests(t *testing.T) {
	srv, _ := newServer(t)
	srv.draining.Store(true)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while draining", w.Code)
	}
}
