// Package callback reconciles provider result notifications with the
// requests they report on.
package callback

import (
	"context"

	"github.com/google/uuid"

	"paygate/internal/domain"
	"paygate/internal/metrics"
	"paygate/internal/payment"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

// Ack is the body returned to the provider.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var (
	// Accepted tells the provider to stop retrying. It is returned for
	// processed, duplicate and unmatched notifications alike.
	Accepted = Ack{ResultCode: 0, ResultDesc: "Accepted"}
	// Rejected is returned only when the notification could not be
	// recorded and should be delivered again.
	Rejected = Ack{ResultCode: 1, ResultDesc: "Internal server error"}
)

// DisbursementOutcome says which provider URL a disbursement result hit.
type DisbursementOutcome string

const (
	OutcomeResult  DisbursementOutcome = "result"
	OutcomeTimeout DisbursementOutcome = "timeout"
)

const timeoutRemarks = "Request timed out at the provider"

// Requests is the request state the reconciler reads and advances.
type Requests interface {
	FindCollection(ctx context.Context, id uuid.UUID) (*domain.CollectionRequest, error)
	FindDisbursement(ctx context.Context, id uuid.UUID) (*domain.DisbursementRequest, error)
	AdvanceCollection(ctx context.Context, id uuid.UUID, o payment.Outcome) (*domain.CollectionRequest, bool, error)
	AdvanceDisbursement(ctx context.Context, id uuid.UUID, o payment.Outcome) (*domain.DisbursementRequest, bool, error)
}

type Reconciler struct {
	requests Requests
	logger   logger.Logger
}

func NewReconciler(requests Requests, log logger.Logger) *Reconciler {
	return &Reconciler{requests: requests, logger: log}
}

// ReconcileCollection applies an STK callback to collection requestID of
// tenantID. The returned error is set only when the callback could not
// be recorded; the Ack is then Rejected.
func (r *Reconciler) ReconcileCollection(ctx context.Context, tenantID, requestID uuid.UUID, body []byte) (Ack, error) {
	fields := map[string]interface{}{"tenant_id": tenantID, "request_id": requestID}

	res, err := ParseCollection(body)
	if err != nil {
		return r.unprocessable("collection", fields, err), nil
	}
	fields["result_code"] = res.ResultCode

	c, err := r.requests.FindCollection(ctx, requestID)
	if err != nil {
		if errors.Is(err, errors.ErrCollectionNotFound) {
			return r.unprocessable("collection", fields, err), nil
		}
		return r.failed("collection", fields, err)
	}
	if c.TenantID != tenantID {
		return r.unprocessable("collection", fields, errors.ErrCallbackUnprocessable), nil
	}
	// Once the provider has acknowledged the push, only a callback naming
	// the same checkout belongs to this request.
	if c.CheckoutRequestID != nil && *c.CheckoutRequestID != res.CheckoutRequestID {
		fields["checkout_request_id"] = res.CheckoutRequestID
		return r.unprocessable("collection", fields, errors.ErrCallbackUnprocessable), nil
	}
	if res.ResultCode == 0 && res.Amount.GreaterThan(c.Amount) {
		fields["requested"] = c.Amount.String()
		fields["paid"] = res.Amount.String()
		return r.unprocessable("collection", fields, errors.ErrCallbackUnprocessable), nil
	}

	o := payment.Outcome{Change: domain.StatusChange{
		CheckoutRequestID: nonEmpty(res.CheckoutRequestID),
		MerchantRequestID: nonEmpty(res.MerchantRequestID),
	}}
	if res.ResultCode == 0 {
		o.Event = payment.EventSucceeded
		o.Change.ReceiptNumber = nonEmpty(res.ReceiptNumber)
		o.Paid = res.Amount
	} else {
		o.Event = payment.EventFailed
		o.Change.Remarks = nonEmpty(res.ResultDesc)
	}

	_, moved, err := r.requests.AdvanceCollection(ctx, requestID, o)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			return r.unprocessable("collection", fields, err), nil
		}
		return r.failed("collection", fields, err)
	}
	return r.done("collection", fields, moved), nil
}

// ReconcileDisbursement applies a disbursement result or timeout
// notification to disbursement requestID of tenantID.
func (r *Reconciler) ReconcileDisbursement(ctx context.Context, tenantID, requestID uuid.UUID, outcome DisbursementOutcome, body []byte) (Ack, error) {
	fields := map[string]interface{}{"tenant_id": tenantID, "request_id": requestID, "outcome": outcome}

	var res *DisbursementResult
	if outcome == OutcomeTimeout {
		// Timeout bodies carry nothing the request needs.
		res, _ = ParseDisbursement(body)
		if res == nil {
			res = &DisbursementResult{}
		}
		res.ResultCode = -1
		if res.ResultDesc == "" {
			res.ResultDesc = timeoutRemarks
		}
	} else {
		var err error
		if res, err = ParseDisbursement(body); err != nil {
			return r.unprocessable("disbursement", fields, err), nil
		}
	}
	fields["result_code"] = res.ResultCode

	d, err := r.requests.FindDisbursement(ctx, requestID)
	if err != nil {
		if errors.Is(err, errors.ErrDisbursementNotFound) {
			return r.unprocessable("disbursement", fields, err), nil
		}
		return r.failed("disbursement", fields, err)
	}
	if d.TenantID != tenantID {
		return r.unprocessable("disbursement", fields, errors.ErrCallbackUnprocessable), nil
	}
	if !conversationMatches(d, res, outcome) {
		fields["conversation_id"] = res.ConversationID
		fields["originator_conversation_id"] = res.OriginatorConversationID
		return r.unprocessable("disbursement", fields, errors.ErrCallbackUnprocessable), nil
	}

	o := payment.Outcome{Change: domain.StatusChange{
		ConversationID:           nonEmpty(res.ConversationID),
		OriginatorConversationID: nonEmpty(res.OriginatorConversationID),
	}}
	if res.ResultCode == 0 {
		o.Event = payment.EventSucceeded
		o.Change.ProviderTransactionID = nonEmpty(res.TransactionID)
	} else {
		o.Event = payment.EventFailed
		o.Change.Remarks = nonEmpty(res.ResultDesc)
	}

	_, moved, err := r.requests.AdvanceDisbursement(ctx, requestID, o)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			return r.unprocessable("disbursement", fields, err), nil
		}
		return r.failed("disbursement", fields, err)
	}
	return r.done("disbursement", fields, moved), nil
}

func (r *Reconciler) done(kind string, fields map[string]interface{}, moved bool) Ack {
	if moved {
		metrics.Callbacks.WithLabelValues(kind, "processed").Inc()
		r.logger.Info("Callback processed", fields)
	} else {
		metrics.Callbacks.WithLabelValues(kind, "duplicate").Inc()
		r.logger.Info("Duplicate callback ignored", fields)
	}
	return Accepted
}

func (r *Reconciler) unprocessable(kind string, fields map[string]interface{}, err error) Ack {
	metrics.Callbacks.WithLabelValues(kind, "unprocessable").Inc()
	fields["error"] = err.Error()
	r.logger.Warn("Callback unprocessable", fields)
	return Accepted
}

func (r *Reconciler) failed(kind string, fields map[string]interface{}, err error) (Ack, error) {
	metrics.Callbacks.WithLabelValues(kind, "error").Inc()
	fields["error"] = err.Error()
	r.logger.Error("Callback reconciliation failed", fields)
	return Rejected, err
}

// conversationMatches reports whether res names the conversation the
// provider opened for d. Before the provider acknowledged d there is
// nothing to compare. A timeout body that names no conversation is taken
// as is; one that names another conversation is not.
func conversationMatches(d *domain.DisbursementRequest, res *DisbursementResult, outcome DisbursementOutcome) bool {
	if outcome == OutcomeTimeout && res.ConversationID == "" && res.OriginatorConversationID == "" {
		return true
	}
	switch {
	case d.ConversationID != nil && *d.ConversationID != "":
		return res.ConversationID == *d.ConversationID
	case d.OriginatorConversationID != nil && *d.OriginatorConversationID != "":
		return res.OriginatorConversationID == *d.OriginatorConversationID
	}
	return true
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
