// Command gateway runs the multi-tenant RPC gateway: it discovers
// chain upstreams from the environment, starts health probing, and
// serves the data plane plus the auth, tenant, and admin surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-gateway/internal/admin"
	"github.com/chalabi2/rpc-gateway/internal/apps"
	"github.com/chalabi2/rpc-gateway/internal/auth"
	"github.com/chalabi2/rpc-gateway/internal/config"
	"github.com/chalabi2/rpc-gateway/internal/gateway"
	"github.com/chalabi2/rpc-gateway/internal/limiter"
	"github.com/chalabi2/rpc-gateway/internal/metrics"
	"github.com/chalabi2/rpc-gateway/internal/proxy"
	"github.com/chalabi2/rpc-gateway/internal/registry"
	"github.com/chalabi2/rpc-gateway/internal/store"
	"github.com/chalabi2/rpc-gateway/internal/upstream"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitFault   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is fine; the environment may be provisioned
	// directly.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitStartup
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration load failed", zap.Error(err))
		return exitStartup
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		return exitStartup
	}
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.Int("chains", len(cfg.Chains)),
		zap.Bool("metrics", cfg.MetricsOn))

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("store connection failed", zap.Error(err))
		return exitStartup
	}

	reg := registry.New(cfg.Chains)
	seedDisabledChains(reg, st, logger)

	msvc := metrics.NewService(cfg.MetricsOn)
	if err := msvc.Register(); err != nil {
		logger.Error("metrics registration failed", zap.Error(err))
		return exitStartup
	}

	mgr := upstream.NewManager(cfg.Chains, cfg.Limits.EndpointInFlightCap, cfg.Limits.SaturationWaitBudget, logger)
	prober := upstream.NewProber(mgr, cfg.HealthCheck.Interval, cfg.HealthCheck.Timeout, msvc.SetUpstreamHealth, logger)
	prober.Start()

	lim := limiter.New(logger)
	scraper := metrics.NewScraper(cfg.ScrapeTimeout, logger)
	reporter := admin.NewHealthReporter(reg, mgr, prober, scraper)
	authSvc := auth.NewService(st, cfg.JWTSecret, logger)

	srv := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Store:      st,
		Limiter:    lim,
		Prober:     prober,
		Metrics:    msvc,
		Health:     reporter,
		Dispatcher: gateway.NewDispatcher(reg, mgr, st, lim, proxy.New(logger), msvc, logger),
		Auth:       authSvc,
		Apps:       apps.NewHandler(st, lim, logger),
		Admin:      admin.NewHandler(st, reg, reporter, logger),
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("listener failed", zap.Error(err))
			return exitStartup
		}
		return exitOK
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Limits.ShutdownDrainDeadline+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete cleanly", zap.Error(err))
		return exitFault
	}
	logger.Info("shutdown complete")
	return exitOK
}

// openStore connects Mongo when MONGO_URI is set and falls back to the
// in-memory store for store-less development runs.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.MongoURI == "" {
		logger.Warn("MONGO_URI not set, using in-memory store; data will not survive restarts")
		return store.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return store.NewMongo(ctx, cfg.MongoURI, "rpc_gateway", logger)
}

// seedDisabledChains applies the chain catalog's enabled flags to the
// routing registry at startup.
func seedDisabledChains(reg *registry.Registry, st store.Store, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chains, err := st.ListChains(ctx)
	if err != nil {
		logger.Warn("chain catalog unavailable at startup, all discovered chains stay routable", zap.Error(err))
		return
	}
	for _, c := range chains {
		if !c.IsEnabled {
			reg.SetDisabled(c.ChainName, true)
		}
	}
}
