package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/internal/middleware"
	"paygate/internal/payment"
	"paygate/pkg/logger"
)

// Payments is the request service behind the tenant API.
type Payments interface {
	CreateCollection(ctx context.Context, tenantID uuid.UUID, in payment.CollectionInput) (*domain.CollectionRequest, error)
	CreateDisbursement(ctx context.Context, tenantID uuid.UUID, in payment.DisbursementInput) (*domain.DisbursementRequest, error)
	CreatePaymentLink(ctx context.Context, tenantID uuid.UUID, in payment.PaymentLinkInput) (*domain.PaymentLink, error)
	CreateLinkCollection(ctx context.Context, token, phone string) (*domain.CollectionRequest, error)
	CollectionStatus(ctx context.Context, tenantID uuid.UUID, caller, identifier string) (*domain.CollectionRequest, error)
	DisbursementStatus(ctx context.Context, tenantID uuid.UUID, caller, identifier string) (*domain.DisbursementRequest, error)
}

type PaymentHandler struct {
	service Payments
	logger  logger.Logger
}

func NewPaymentHandler(service Payments, log logger.Logger) *PaymentHandler {
	return &PaymentHandler{service: service, logger: log}
}

type createdResponse struct {
	Message   string               `json:"message"`
	RequestID uuid.UUID            `json:"request_id"`
	Status    domain.RequestStatus `json:"status"`
}

type statusResponse struct {
	RequestID  uuid.UUID            `json:"request_id"`
	Status     domain.RequestStatus `json:"status"`
	Amount     decimal.Decimal      `json:"amount"`
	Fee        *decimal.Decimal     `json:"fee,omitempty"`
	RequestRef string               `json:"request_ref"`
	Currency   domain.Currency      `json:"currency"`
	Remarks    *string              `json:"remarks,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// CreateCollection handles POST /api/payment_request.
func (h *PaymentHandler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var in payment.CollectionInput
	if !decodeJSON(w, r, &in) {
		return
	}

	c, err := h.service.CreateCollection(r.Context(), tenantID, in)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID, "reference": in.Reference})
		return
	}
	respondJSON(w, http.StatusAccepted, createdResponse{
		Message:   "Payment request created",
		RequestID: c.ID,
		Status:    c.Status,
	})
}

// CollectionStatus handles GET /api/payment/{identifier}/status. The
// identifier is a request id or the tenant's own reference.
func (h *PaymentHandler) CollectionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	identifier := mux.Vars(r)["identifier"]

	c, err := h.service.CollectionStatus(r.Context(), tenantID, caller(r, tenantID), identifier)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID, "identifier": identifier})
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{
		RequestID:  c.ID,
		Status:     c.Status,
		Amount:     c.Amount,
		RequestRef: c.RequestReference,
		Currency:   c.Currency,
		Remarks:    c.Remarks,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	})
}

// CreateDisbursement handles POST /api/disburse_request.
func (h *PaymentHandler) CreateDisbursement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var in payment.DisbursementInput
	if !decodeJSON(w, r, &in) {
		return
	}

	d, err := h.service.CreateDisbursement(r.Context(), tenantID, in)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID, "reference": in.Reference})
		return
	}
	respondJSON(w, http.StatusAccepted, createdResponse{
		Message:   "Disbursement request created",
		RequestID: d.ID,
		Status:    d.Status,
	})
}

// DisbursementStatus handles GET /api/disburse/{identifier}/status.
func (h *PaymentHandler) DisbursementStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	identifier := mux.Vars(r)["identifier"]

	d, err := h.service.DisbursementStatus(r.Context(), tenantID, caller(r, tenantID), identifier)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID, "identifier": identifier})
		return
	}
	fee := d.Fee
	respondJSON(w, http.StatusOK, statusResponse{
		RequestID:  d.ID,
		Status:     d.Status,
		Amount:     d.Amount,
		Fee:        &fee,
		RequestRef: d.RequestReference,
		Currency:   d.Currency,
		Remarks:    d.Remarks,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	})
}

// CreatePaymentLink handles POST /api/payment_links.
func (h *PaymentHandler) CreatePaymentLink(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var in payment.PaymentLinkInput
	if !decodeJSON(w, r, &in) {
		return
	}

	link, err := h.service.CreatePaymentLink(r.Context(), tenantID, in)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"tenant_id": tenantID})
		return
	}
	respondJSON(w, http.StatusCreated, link)
}

// PayLink handles POST /payment/links/{token}/pay. It is public: the
// link token is the credential.
func (h *PaymentHandler) PayLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone string `json:"mpesa_number"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	token := mux.Vars(r)["token"]

	c, err := h.service.CreateLinkCollection(r.Context(), token, body.Phone)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"link_token": token})
		return
	}
	respondJSON(w, http.StatusAccepted, createdResponse{
		Message:   "Payment request created",
		RequestID: c.ID,
		Status:    c.Status,
	})
}

// caller names who is polling, for status flow control: the API key when
// known, the tenant otherwise.
func caller(r *http.Request, tenantID uuid.UUID) string {
	if keyID, ok := middleware.APIKeyIDFromContext(r.Context()); ok {
		return keyID.String()
	}
	return tenantID.String()
}
