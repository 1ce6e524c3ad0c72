// Package apps is the tenant-facing CRUD surface for routing apps.
// Every route is owner-scoped: a tenant can only see and mutate apps
// they created.
package apps

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-gateway/internal/auth"
	"github.com/chalabi2/rpc-gateway/internal/limiter"
	"github.com/chalabi2/rpc-gateway/internal/store"
)

// Handler serves the /apps routes.
type Handler struct {
	store   store.Store
	limiter *limiter.Limiter
	logger  *zap.Logger
}

// NewHandler builds the apps surface. The limiter is notified on key
// regeneration so stale buckets die with the old key.
func NewHandler(st store.Store, lim *limiter.Limiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: st, limiter: lim, logger: logger}
}

// Routes mounts the surface on a router already behind auth.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{appID}", h.get)
	r.Patch("/{appID}", h.update)
	r.Delete("/{appID}", h.delete)
	r.Post("/{appID}/regenerate-key", h.regenerateKey)
}

type createRequest struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	ChainName          string `json:"chainName"`
	MaxRPS             *int   `json:"maxRps"`
	DailyRequestsLimit *int64 `json:"dailyRequestsLimit"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	chain, err := h.store.GetChainByName(r.Context(), strings.ToLower(req.ChainName))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown chain")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !chain.IsEnabled {
		writeError(w, http.StatusBadRequest, "chain is disabled")
		return
	}

	defaults, err := h.store.GetDefaultAppSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	maxRPS := defaults.DefaultMaxRPS
	if req.MaxRPS != nil {
		maxRPS = *req.MaxRPS
	}
	daily := defaults.DefaultDailyRequestsLimit
	if req.DailyRequestsLimit != nil {
		daily = *req.DailyRequestsLimit
	}
	if maxRPS < 0 || daily < 0 {
		writeError(w, http.StatusBadRequest, "limits must not be negative")
		return
	}

	now := time.Now()
	app := &store.App{
		ID:                 uuid.NewString(),
		OwnerUserID:        p.UserID,
		Name:               req.Name,
		Description:        req.Description,
		ChainName:          chain.ChainName,
		ChainID:            chain.ChainID,
		APIKey:             uuid.NewString(),
		MaxRPS:             maxRPS,
		DailyRequestsLimit: daily,
		IsActive:           true,
		LastResetDate:      store.UTCDay(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.store.CreateApp(r.Context(), app); err != nil {
		h.logger.Error("create app failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.logger.Info("app created",
		zap.String("app_id", app.ID),
		zap.String("chain", app.ChainName),
		zap.String("owner", p.UserID))
	writeJSON(w, http.StatusCreated, app)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	apps, err := h.store.ListAppsByOwner(r.Context(), p.UserID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if apps == nil {
		apps = []*store.App{}
	}
	writeJSON(w, http.StatusOK, apps)
}

// owned loads an app and enforces ownership. Foreign apps read as 404
// so existence is not leaked across tenants.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (*store.App, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	app, err := h.store.GetApp(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "app not found")
		} else {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
		}
		return nil, false
	}
	if app.OwnerUserID != p.UserID {
		writeError(w, http.StatusNotFound, "app not found")
		return nil, false
	}
	return app, true
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	app, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, app)
}

type updateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"isActive"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	app, ok := h.owned(w, r)
	if !ok {
		return
	}

	// Tenants rename and toggle their apps; limits are admin-only.
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	updated, err := h.store.UpdateApp(r.Context(), app.ID, store.AppPatch{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	app, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteApp(r.Context(), app.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if h.limiter != nil {
		h.limiter.Forget(app.APIKey)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) regenerateKey(w http.ResponseWriter, r *http.Request) {
	app, ok := h.owned(w, r)
	if !ok {
		return
	}
	fresh, err := h.store.RegenerateAPIKey(r.Context(), app.ID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if h.limiter != nil {
		h.limiter.Forget(app.APIKey)
	}
	h.logger.Info("api key regenerated", zap.String("app_id", app.ID))
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": fresh})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
