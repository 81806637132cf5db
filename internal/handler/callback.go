package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"paygate/internal/callback"
	"paygate/pkg/logger"
)

// Reconciler applies provider callbacks.
type Reconciler interface {
	ReconcileCollection(ctx context.Context, tenantID, requestID uuid.UUID, body []byte) (callback.Ack, error)
	ReconcileDisbursement(ctx context.Context, tenantID, requestID uuid.UUID, outcome callback.DisbursementOutcome, body []byte) (callback.Ack, error)
}

// CallbackHandler receives provider notifications. It always answers with
// a provider ack body; only a failure to record the result is a 500, so
// the provider delivers it again.
type CallbackHandler struct {
	reconciler Reconciler
	logger     logger.Logger
}

func NewCallbackHandler(r Reconciler, log logger.Logger) *CallbackHandler {
	return &CallbackHandler{reconciler: r, logger: log}
}

// Collection handles POST /payment/mpesa/call_back/{tenant_id}/{request_id}.
func (h *CallbackHandler) Collection(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, body, ok := h.read(w, r)
	if !ok {
		return
	}
	ack, err := h.reconciler.ReconcileCollection(r.Context(), tenantID, requestID, body)
	h.answer(w, ack, err)
}

// Disbursement handles
// POST /payment/mpesa/disburse_call_back/{tenant_id}/{request_id}/{kind}.
func (h *CallbackHandler) Disbursement(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, body, ok := h.read(w, r)
	if !ok {
		return
	}
	outcome := callback.DisbursementOutcome(mux.Vars(r)["kind"])
	if outcome != callback.OutcomeResult && outcome != callback.OutcomeTimeout {
		h.logger.Warn("Callback unprocessable", map[string]interface{}{
			"request_id": requestID,
			"tenant_id":  tenantID,
			"reason":     "unknown callback kind " + string(outcome),
		})
		respondJSON(w, http.StatusOK, callback.Accepted)
		return
	}
	ack, err := h.reconciler.ReconcileDisbursement(r.Context(), tenantID, requestID, outcome, body)
	h.answer(w, ack, err)
}

func (h *CallbackHandler) read(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, []byte, bool) {
	vars := mux.Vars(r)
	tenantID, terr := uuid.Parse(vars["tenant_id"])
	requestID, rerr := uuid.Parse(vars["request_id"])
	if terr != nil || rerr != nil {
		h.logger.Warn("Callback unprocessable", map[string]interface{}{
			"path":   r.URL.Path,
			"reason": "malformed identifiers",
		})
		respondJSON(w, http.StatusOK, callback.Accepted)
		return uuid.Nil, uuid.Nil, nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("Callback unprocessable", map[string]interface{}{
			"request_id": requestID,
			"tenant_id":  tenantID,
			"reason":     "unreadable body",
			"error":      err.Error(),
		})
		respondJSON(w, http.StatusOK, callback.Accepted)
		return uuid.Nil, uuid.Nil, nil, false
	}
	return tenantID, requestID, body, true
}

func (h *CallbackHandler) answer(w http.ResponseWriter, ack callback.Ack, err error) {
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, ack)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}
