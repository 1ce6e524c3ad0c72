package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-gateway/internal/admin"
	"github.com/chalabi2/rpc-gateway/internal/apps"
	"github.com/chalabi2/rpc-gateway/internal/auth"
	"github.com/chalabi2/rpc-gateway/internal/config"
	"github.com/chalabi2/rpc-gateway/internal/limiter"
	"github.com/chalabi2/rpc-gateway/internal/metrics"
	"github.com/chalabi2/rpc-gateway/internal/store"
	"github.com/chalabi2/rpc-gateway/internal/upstream"
)

// Server owns the HTTP listener and the shutdown sequence.
type Server struct {
	cfg      *config.Config
	store    store.Store
	limiter  *limiter.Limiter
	prober   *upstream.Prober
	msvc     *metrics.Service
	health   *admin.HealthReporter
	logger   *zap.Logger
	srv      *http.Server
	started  time.Time
	draining atomic.Bool
}

// Deps bundles everything the server routes over.
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Limiter    *limiter.Limiter
	Prober     *upstream.Prober
	Metrics    *metrics.Service
	Health     *admin.HealthReporter
	Dispatcher *Dispatcher
	Auth       *auth.Service
	Apps       *apps.Handler
	Admin      *admin.Handler
	Logger     *zap.Logger
}

// NewServer assembles the router and listener.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     d.Config,
		store:   d.Store,
		limiter: d.Limiter,
		prober:  d.Prober,
		msvc:    d.Metrics,
		health:  d.Health,
		logger:  logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(Correlation)
	r.Use(s.admission)

	// Control plane.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))

		r.Post("/auth/register", d.Auth.HandleRegister)
		r.Post("/auth/login", d.Auth.HandleLogin)
		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Middleware)
			r.Get("/auth/account", d.Auth.HandleAccount)
			r.Route("/apps", d.Apps.Routes)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(d.Auth.Middleware)
			r.Use(auth.RequireAdmin)
			d.Admin.Routes(r)
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/{chain}", s.handleChainHealth)
	if d.Config.MetricsOn {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	// Data plane, method-agnostic.
	deadline := Deadline(d.Config.Limits.RequestTimeout, time.Second, d.Config.Limits.RequestTimeout)
	r.Group(func(r chi.Router) {
		r.Use(deadline)
		r.HandleFunc("/{chain}/{layer:exec|cons}/{apiKey}", d.Dispatcher.Handle)
		r.HandleFunc("/{chain}/{layer:exec|cons}/{apiKey}/*", d.Dispatcher.Handle)
	})

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", d.Config.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// admission rejects new work once shutdown has begun so in-flight
// requests can drain.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "shutting down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown runs the ordered teardown: admission off, drain, stop the
// prober and limiter, close the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.logger.Info("draining in-flight requests")

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.Limits.ShutdownDrainDeadline)
	defer cancel()
	drainErr := s.srv.Shutdown(drainCtx)

	if s.prober != nil {
		s.prober.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.msvc != nil {
		s.msvc.Unregister()
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if err := s.store.Close(closeCtx); err != nil {
		s.logger.Error("store close failed", zap.Error(err))
		if drainErr == nil {
			drainErr = err
		}
	}
	return drainErr
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Services: map[string]string{}}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Services["database"] = "unavailable"
	} else {
		resp.Services["database"] = "ok"
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.Services["memory"] = fmt.Sprintf("%d MiB", ms.Alloc>>20)
	resp.Services["uptime"] = time.Since(s.started).Round(time.Second).String()

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleChainHealth is the public chain view: same fusion as the
// admin report with node URLs and per-node detail redacted.
func (s *Server) handleChainHealth(w http.ResponseWriter, r *http.Request) {
	report, ok := s.health.Report(r.Context(), chi.URLParam(r, "chain"), false)
	if !ok {
		writeKind(w, KindUnknownChain, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
