// Package middleware hosts authentication, logging, and rate limiting middleware.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"paygate/internal/domain"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

// contextKey avoids collisions when storing values in request contexts.
type contextKey string

const (
	ctxTenantIDKey contextKey = "tenant_id"
	ctxAPIKeyIDKey contextKey = "api_key_id"
)

// APIKeyHeader carries the tenant's API key on server-to-server calls.
const APIKeyHeader = "X-API-Key"

// KeyValidator resolves a raw API key.
type KeyValidator interface {
	ValidateKey(ctx context.Context, rawKey string) (*domain.APIKey, error)
}

// TokenParser verifies a dashboard token and returns its tenant.
type TokenParser interface {
	Parse(token string) (uuid.UUID, error)
}

// APIKeyMiddleware authenticates tenant API calls.
type APIKeyMiddleware struct {
	keys   KeyValidator
	logger logger.Logger
}

func NewAPIKeyMiddleware(keys KeyValidator, log logger.Logger) *APIKeyMiddleware {
	return &APIKeyMiddleware{keys: keys, logger: log}
}

// Authenticate accepts the key from X-API-Key, or from an
// "Authorization: Bearer" header when X-API-Key is absent.
func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if raw == "" {
			raw, _ = bearer(r)
		}
		if raw == "" {
			jsonError(w, http.StatusUnauthorized, "API key required")
			return
		}

		key, err := m.keys.ValidateKey(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, errors.ErrInvalidAPIKey) {
				m.logger.Error("API key lookup failed", map[string]interface{}{
					"request_id": RequestIDFromContext(r.Context()),
					"error":      err.Error(),
				})
				jsonError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			jsonError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), ctxTenantIDKey, key.TenantID)
		ctx = context.WithValue(ctx, ctxAPIKeyIDKey, key.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware validates bearer JWTs and injects the tenant into the context.
type AuthMiddleware struct {
	tokens TokenParser
}

func NewAuthMiddleware(tokens TokenParser) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate enforces bearer auth and populates the tenant on the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			jsonError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		token, ok := bearer(r)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		tenantID, err := m.tokens.Parse(token)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxTenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// TenantIDFromContext returns the authenticated tenant.
func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxTenantIDKey).(uuid.UUID)
	return id, ok
}

// APIKeyIDFromContext returns the API key the request was made with.
func APIKeyIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxAPIKeyIDKey).(uuid.UUID)
	return id, ok
}

// WithTenant returns ctx carrying tenantID, as the auth middleware would.
func WithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxTenantIDKey, tenantID)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// CORS allows the configured origins. With none configured any origin is
// reflected.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(allowed) > 0 {
				for _, o := range allowed {
					if strings.EqualFold(o, origin) {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Vary", "Origin")
						break
					}
				}
			} else if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
