package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/internal/middleware"
	"paygate/pkg/logger"
	"paygate/pkg/validator"
)

type StatementReader interface {
	Statement(ctx context.Context, tenantID uuid.UUID, before *time.Time, limit int) (*ledger.Statement, error)
}

type ConfigStore interface {
	UpsertConfig(ctx context.Context, cfg *domain.TenantConfig) error
}

// ConfigCache drops a tenant's cached integration settings.
type ConfigCache interface {
	Invalidate(ctx context.Context, tenantID uuid.UUID) error
}

type KeyIssuer interface {
	CreateKey(ctx context.Context, tenantID uuid.UUID, name string) (*domain.APIKey, string, error)
}

// TenantHandler serves the tenant dashboard: wallet view, integration
// settings and API keys. Routes are JWT authenticated and scoped to the
// token's tenant.
type TenantHandler struct {
	statements StatementReader
	configs    ConfigStore
	cache      ConfigCache
	keys       KeyIssuer
	validator  *validator.Validator
	logger     logger.Logger
}

func NewTenantHandler(statements StatementReader, configs ConfigStore, cache ConfigCache, keys KeyIssuer, val *validator.Validator, log logger.Logger) *TenantHandler {
	return &TenantHandler{
		statements: statements,
		configs:    configs,
		cache:      cache,
		keys:       keys,
		validator:  val,
		logger:     log,
	}
}

// Wallet handles GET /tenants/{tenant_id}/wallet?limit=&cursor=.
func (h *TenantHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.owner(w, r)
	if !ok {
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > ledger.MaxStatementPage {
		limit = ledger.MaxStatementPage
	}
	var before *time.Time
	if v := r.URL.Query().Get("cursor"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
		before = &t
	}

	st, err := h.statements.Statement(r.Context(), tenantID, before, limit)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID})
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type configRequest struct {
	CallbackURL  *string               `json:"callback_url" validate:"omitempty,url,max=2048"`
	PayoutMethod *domain.PaymentMethod `json:"payout_method"`
}

// UpdateConfig handles PUT /tenants/{tenant_id}/config.
func (h *TenantHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req configRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		respondServiceError(w, h.logger, err, nil)
		return
	}
	if req.PayoutMethod != nil {
		if err := req.PayoutMethod.Validate(); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": "payout_method"})
			return
		}
	}

	cfg := &domain.TenantConfig{
		TenantID:     tenantID,
		CallbackURL:  req.CallbackURL,
		PayoutMethod: req.PayoutMethod,
	}
	if err := h.configs.UpsertConfig(r.Context(), cfg); err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID})
		return
	}
	if err := h.cache.Invalidate(r.Context(), tenantID); err != nil {
		h.logger.Warn("Tenant config cache invalidation failed", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}
	respondJSON(w, http.StatusOK, cfg)
}

// CreateKey handles POST /tenants/{tenant_id}/keys. The raw key is only
// ever shown in this response.
func (h *TenantHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	key, raw, err := h.keys.CreateKey(r.Context(), tenantID, req.Name)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID})
		return
	}
	h.logger.Info("API key issued", map[string]interface{}{
		"tenant_id":  tenantID,
		"api_key_id": key.ID,
		"key_prefix": key.KeyPrefix,
	})
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": key,
		"secret":  raw,
	})
}

// owner resolves the path tenant and checks the token was issued for it.
func (h *TenantHandler) owner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	authed, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, false
	}
	tenantID, err := uuid.Parse(mux.Vars(r)["tenant_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid tenant id")
		return uuid.Nil, false
	}
	if tenantID != authed {
		respondError(w, http.StatusForbidden, "Forbidden")
		return uuid.Nil, false
	}
	return tenantID, true
}
