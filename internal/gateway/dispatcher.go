package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-gateway/internal/limiter"
	"github.com/chalabi2/rpc-gateway/internal/metrics"
	"github.com/chalabi2/rpc-gateway/internal/proxy"
	"github.com/chalabi2/rpc-gateway/internal/registry"
	"github.com/chalabi2/rpc-gateway/internal/store"
	"github.com/chalabi2/rpc-gateway/internal/upstream"
)

// maxBodyBytes caps execution bodies, which are buffered for JSON-RPC
// method extraction. An over-limit body is rejected whole rather than
// truncated; consensus REST bodies stream through unbuffered.
const maxBodyBytes = 10 << 20

// Dispatcher walks each data-plane request through parse, auth,
// admission, and dispatch, emitting exactly one response per request.
type Dispatcher struct {
	registry  *registry.Registry
	manager   *upstream.Manager
	store     store.Store
	limiter   *limiter.Limiter
	forwarder *proxy.Forwarder
	metrics   *metrics.Service
	logger    *zap.Logger
}

// NewDispatcher wires the data plane together.
func NewDispatcher(reg *registry.Registry, mgr *upstream.Manager, st store.Store, lim *limiter.Limiter, fwd *proxy.Forwarder, ms *metrics.Service, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  reg,
		manager:   mgr,
		store:     st,
		limiter:   lim,
		forwarder: fwd,
		metrics:   ms,
		logger:    logger,
	}
}

// Handle serves /{chain}/{exec|cons}/{apiKey}/* for any HTTP method.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	chain := chi.URLParam(r, "chain")
	layer := layerOf(chi.URLParam(r, "layer"))
	apiKey := chi.URLParam(r, "apiKey")
	rest := chi.URLParam(r, "*")

	if apiKey == "" {
		d.fail(w, r, chain, layer, apiKey, nil, KindMissingAPIKey, nil)
		return
	}
	entry, ok := d.registry.Lookup(chain)
	if !ok {
		d.fail(w, r, chain, layer, apiKey, nil, KindUnknownChain, nil)
		return
	}
	if entry.Disabled {
		d.fail(w, r, chain, layer, apiKey, nil, KindChainDisabled, nil)
		return
	}

	// Auth and daily accounting are one atomic store operation.
	app, err := d.store.TouchAndCount(r.Context(), apiKey)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidKey):
			d.fail(w, r, chain, layer, apiKey, nil, KindInvalidKey, nil)
		case errors.Is(err, store.ErrInactiveApp):
			d.fail(w, r, chain, layer, apiKey, nil, KindInactiveApp, nil)
		default:
			d.logger.Error("touch and count failed",
				zap.String("correlation_id", CorrelationID(r.Context())),
				zap.Error(err))
			d.fail(w, r, chain, layer, apiKey, nil, KindStoreUnavailable, nil)
		}
		return
	}

	// The increment already happened; a rejected request hands its
	// daily slot back.
	if !d.limiter.Allow(apiKey, app.MaxRPS) {
		d.compensate(r, app.ID)
		d.metrics.RecordRateLimitHit("rps", apiKey)
		d.fail(w, r, chain, layer, apiKey, nil, KindRateLimitedRPS, nil)
		return
	}
	if limiter.QuotaExhausted(app.DailyRequests, app.DailyRequestsLimit) {
		d.compensate(r, app.ID)
		d.metrics.RecordRateLimitHit("daily", apiKey)
		d.fail(w, r, chain, layer, apiKey, nil, KindRateLimitedDaily, nil)
		return
	}

	// Execution bodies are buffered once for method extraction and
	// replayed on retry; consensus bodies stay on the wire.
	var body []byte
	methods := []string{r.Method}
	if layer == upstream.LayerExecution {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			d.fail(w, r, chain, layer, apiKey, nil, KindInternal, nil)
			return
		}
		if len(body) > maxBodyBytes {
			d.fail(w, r, chain, layer, apiKey, nil, KindBodyTooLarge, nil)
			return
		}
		methods = proxy.ExtractMethods(r.Header.Get("Content-Type"), body)
	}

	pool, ok := d.manager.Pool(entry.Name, layer)
	if !ok {
		d.fail(w, r, chain, layer, apiKey, methods, KindNoHealthyUpstream, nil)
		return
	}

	out, err := d.forwarder.Forward(r.Context(), w, r, pool, rest, body)
	if err != nil {
		var ue *proxy.UpstreamError
		switch {
		case errors.As(err, &ue):
			d.fail(w, r, chain, layer, apiKey, methods, KindNoHealthyUpstream, map[string]interface{}{
				"chain":     ue.Chain,
				"layer":     string(ue.Layer),
				"attempted": ue.Attempted,
			})
		case errors.Is(err, proxy.ErrTimeout):
			d.fail(w, r, chain, layer, apiKey, methods, KindUpstreamTimeout, nil)
		case errors.Is(err, upstream.ErrSaturated):
			d.fail(w, r, chain, layer, apiKey, methods, KindUpstreamSaturated, nil)
		case errors.Is(err, upstream.ErrNoEndpoints):
			d.fail(w, r, chain, layer, apiKey, methods, KindNoHealthyUpstream, nil)
		default:
			d.logger.Error("dispatch failed",
				zap.String("correlation_id", CorrelationID(r.Context())),
				zap.Error(err))
			d.fail(w, r, chain, layer, apiKey, methods, KindInternal, nil)
		}
		return
	}

	status := strconv.Itoa(out.Status)
	for _, method := range methods {
		d.metrics.RecordRequest(entry.Name, layer, method, apiKey, status, out.Duration)
	}
	d.logger.Debug("request completed",
		zap.String("chain", entry.Name),
		zap.String("layer", string(layer)),
		zap.Int("status", out.Status),
		zap.Bool("degraded", out.Degraded),
		zap.Duration("duration", time.Since(start)))
}

func layerOf(token string) upstream.Layer {
	if token == "cons" {
		return upstream.LayerConsensus
	}
	return upstream.LayerExecution
}

// fail emits the terminal error response and its metric samples. The
// response is only written when the forwarder has not already
// committed headers, which holds for every kind raised here.
func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, chain string, layer upstream.Layer, apiKey string, methods []string, kind Kind, extra map[string]interface{}) {
	if len(methods) == 0 {
		methods = []string{r.Method}
	}
	for _, method := range methods {
		d.metrics.RecordRequest(chain, layer, method, apiKey, string(kind), 0)
	}
	writeKind(w, kind, extra)
}

// compensate hands back one daily increment after a rejection.
func (d *Dispatcher) compensate(r *http.Request, appID string) {
	if err := d.store.CompensateDaily(r.Context(), appID); err != nil {
		d.logger.Warn("daily compensation failed",
			zap.String("app_id", appID),
			zap.String("correlation_id", CorrelationID(r.Context())),
			zap.Error(err))
	}
}
