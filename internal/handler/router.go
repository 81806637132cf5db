package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paygate/internal/middleware"
	"paygate/pkg/logger"
)

type Handlers struct {
	Payments  *PaymentHandler
	Callbacks *CallbackHandler
	Live      *LiveHandler
	Tenants   *TenantHandler
	System    *SystemHandler
}

type Middleware struct {
	APIKey         *middleware.APIKeyMiddleware
	JWT            *middleware.AuthMiddleware
	RateLimit      *middleware.RateLimiter // optional
	AllowedOrigins []string
	Logger         logger.Logger
}

// NewRouter lays out the gateway's routes.
func NewRouter(h Handlers, m Middleware) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(m.Logger), middleware.CorrelationID, middleware.NewLoggingMiddleware(m.Logger).Log)

	r.HandleFunc("/health", h.System.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.System.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Provider callbacks and the public pay page carry no tenant credentials.
	r.HandleFunc("/payment/mpesa/call_back/{tenant_id}/{request_id}", h.Callbacks.Collection).Methods(http.MethodPost)
	r.HandleFunc("/payment/mpesa/disburse_call_back/{tenant_id}/{request_id}/{kind}", h.Callbacks.Disbursement).Methods(http.MethodPost)
	r.HandleFunc("/payment/links/{token}/pay", h.Payments.PayLink).Methods(http.MethodPost)
	r.HandleFunc("/subscribe/{request_id}", h.Live.Subscribe).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.SecurityHeaders, m.APIKey.Authenticate)
	if m.RateLimit != nil {
		api.Use(m.RateLimit.Limit)
	}
	api.HandleFunc("/payment_request", h.Payments.CreateCollection).Methods(http.MethodPost)
	api.HandleFunc("/payment/{identifier}/status", h.Payments.CollectionStatus).Methods(http.MethodGet)
	api.HandleFunc("/disburse_request", h.Payments.CreateDisbursement).Methods(http.MethodPost)
	api.HandleFunc("/disburse/{identifier}/status", h.Payments.DisbursementStatus).Methods(http.MethodGet)
	api.HandleFunc("/payment_links", h.Payments.CreatePaymentLink).Methods(http.MethodPost)

	tenants := r.PathPrefix("/tenants/{tenant_id}").Subrouter()
	tenants.Use(middleware.SecurityHeaders, m.JWT.Authenticate)
	tenants.HandleFunc("/wallet", h.Tenants.Wallet).Methods(http.MethodGet)
	tenants.HandleFunc("/config", h.Tenants.UpdateConfig).Methods(http.MethodPut)
	tenants.HandleFunc("/keys", h.Tenants.CreateKey).Methods(http.MethodPost)

	return middleware.CORS(m.AllowedOrigins)(r)
}
