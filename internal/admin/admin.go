// Package admin is the operator surface: chain catalog management,
// tenant/app overrides, global defaults, and per-chain node health
// and metrics views. Every route requires an admin principal.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-gateway/internal/registry"
	"github.com/chalabi2/rpc-gateway/internal/store"
)

// Handler serves the /admin routes.
type Handler struct {
	store    store.Store
	registry *registry.Registry
	health   *HealthReporter
	logger   *zap.Logger
}

// NewHandler builds the admin surface. The registry is kept in sync
// with chain enable/disable flips so routing reacts without restart.
func NewHandler(st store.Store, reg *registry.Registry, health *HealthReporter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: st, registry: reg, health: health, logger: logger}
}

// Routes mounts the surface on a router already behind admin auth.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/chains", h.listChains)
	r.Post("/chains", h.createChain)
	r.Patch("/chains/{chainID}", h.updateChain)
	r.Delete("/chains/{chainID}", h.deleteChain)

	r.Patch("/apps/{appID}", h.updateApp)
	r.Patch("/users/{userID}", h.updateUser)

	r.Get("/default-app-settings", h.getDefaults)
	r.Patch("/default-app-settings", h.patchDefaults)

	r.Get("/node-health/{chain}", h.nodeHealth)
	r.Get("/node-metrics/{chain}", h.nodeMetrics)
}

func (h *Handler) listChains(w http.ResponseWriter, r *http.Request) {
	chains, err := h.store.ListChains(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if chains == nil {
		chains = []*store.Chain{}
	}
	writeJSON(w, http.StatusOK, chains)
}

func (h *Handler) createChain(w http.ResponseWriter, r *http.Request) {
	var c store.Chain
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	c.ChainName = strings.ToLower(strings.TrimSpace(c.ChainName))
	if c.ChainName == "" || c.ChainID == 0 {
		writeError(w, http.StatusBadRequest, "chainName and chainId required")
		return
	}

	if err := h.store.CreateChain(r.Context(), &c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "chain already exists")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.registry.SetDisabled(c.ChainName, !c.IsEnabled)
	h.logger.Info("chain created",
		zap.String("chain", c.ChainName),
		zap.Int64("chain_id", c.ChainID))
	writeJSON(w, http.StatusCreated, c)
}

func chainIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "chainID"), 10, 64)
}

func (h *Handler) updateChain(w http.ResponseWriter, r *http.Request) {
	id, err := chainIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	var req struct {
		Description *string `json:"description"`
		IsEnabled   *bool   `json:"isEnabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	c, err := h.store.UpdateChain(r.Context(), id, store.ChainPatch{
		Description: req.Description,
		IsEnabled:   req.IsEnabled,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chain not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if req.IsEnabled != nil {
		h.registry.SetDisabled(c.ChainName, !*req.IsEnabled)
		h.logger.Info("chain routing toggled",
			zap.String("chain", c.ChainName),
			zap.Bool("enabled", *req.IsEnabled))
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) deleteChain(w http.ResponseWriter, r *http.Request) {
	id, err := chainIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	if err := h.store.DeleteChain(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chain not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRPS             *int   `json:"maxRps"`
		DailyRequestsLimit *int64 `json:"dailyRequestsLimit"`
		IsActive           *bool  `json:"isActive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.MaxRPS != nil && *req.MaxRPS < 0 {
		writeError(w, http.StatusBadRequest, "maxRps must not be negative")
		return
	}
	if req.DailyRequestsLimit != nil && *req.DailyRequestsLimit < 0 {
		writeError(w, http.StatusBadRequest, "dailyRequestsLimit must not be negative")
		return
	}

	app, err := h.store.UpdateApp(r.Context(), chi.URLParam(r, "appID"), store.AppPatch{
		MaxRPS:             req.MaxRPS,
		DailyRequestsLimit: req.DailyRequestsLimit,
		IsActive:           req.IsActive,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "app not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"isActive"`
		IsAdmin  *bool `json:"isAdmin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	u, err := h.store.UpdateUser(r.Context(), chi.URLParam(r, "userID"), store.UserPatch{
		IsActive: req.IsActive,
		IsAdmin:  req.IsAdmin,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) getDefaults(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetDefaultAppSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) patchDefaults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultMaxRPS             *int   `json:"defaultMaxRps"`
		DefaultDailyRequestsLimit *int64 `json:"defaultDailyRequestsLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DefaultMaxRPS != nil && *req.DefaultMaxRPS < 0 {
		writeError(w, http.StatusBadRequest, "defaultMaxRps must not be negative")
		return
	}
	if req.DefaultDailyRequestsLimit != nil && *req.DefaultDailyRequestsLimit < 0 {
		writeError(w, http.StatusBadRequest, "defaultDailyRequestsLimit must not be negative")
		return
	}

	s, err := h.store.UpdateDefaultAppSettings(r.Context(), store.SettingsPatch{
		DefaultMaxRPS:             req.DefaultMaxRPS,
		DefaultDailyRequestsLimit: req.DefaultDailyRequestsLimit,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) nodeHealth(w http.ResponseWriter, r *http.Request) {
	report, ok := h.health.Report(r.Context(), chi.URLParam(r, "chain"), true)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chain")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) nodeMetrics(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.registry.Lookup(chi.URLParam(r, "chain"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chain")
		return
	}
	mh := h.health.metricsHealth(r.Context(), entry.Endpoints.Prometheus, true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":          entry.Name,
		"status":         mh.Status,
		"totalNodes":     mh.TotalNodes,
		"availableNodes": mh.AvailableNodes,
		"nodes":          mh.Nodes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
