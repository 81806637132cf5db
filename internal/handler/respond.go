// Package handler provides the HTTP handlers of the gateway API.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v, answering 400 itself when
// it cannot.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err == io.EOF {
			respondError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// respondServiceError maps domain errors onto HTTP statuses. Anything
// unrecognised is logged and reported as a 500 without detail.
func respondServiceError(w http.ResponseWriter, log logger.Logger, err error, fields map[string]interface{}) {
	var verr *errors.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, errors.ErrTariffNotApplicable),
		errors.Is(err, errors.ErrPaymentLinkClosed):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrDuplicateReference):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrInsufficientFunds):
		respondError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, errors.ErrTenantNotFound),
		errors.Is(err, errors.ErrCollectionNotFound),
		errors.Is(err, errors.ErrDisbursementNotFound),
		errors.Is(err, errors.ErrPaymentLinkNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, err.Error())
	default:
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["error"] = err.Error()
		log.Error("Request handling failed", fields)
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
