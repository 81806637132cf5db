// Package notification tells tenants and live subscribers how a request
// ended: webhooks to the tenant callback URL, and in-process or
// Redis pub/sub pushes to clients waiting on a payment link.
package notification

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
)

const (
	KindCollection   = "collection"
	KindDisbursement = "disbursement"

	StatusSuccess = "success"
	StatusFailed  = "failed"

	defaultFailureRemarks = "Transaction failed"
)

// Payload is the body of a tenant webhook and of a live status push.
// CreatedAt is when the request reached its final status.
type Payload struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	RequestID      uuid.UUID       `json:"request_id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	RequestRef     string          `json:"request_ref"`
	Currency       domain.Currency `json:"currency"`
	CreatedAt      time.Time       `json:"created_at"`
	TransactionRef *string         `json:"transaction_ref,omitempty"`
	Remarks        *string         `json:"remarks,omitempty"`
}

func failureRemarks(r *string) *string {
	if r != nil && *r != "" {
		return r
	}
	s := defaultFailureRemarks
	return &s
}

// CollectionPayload describes a terminal collection.
func CollectionPayload(c *domain.CollectionRequest) *Payload {
	p := &Payload{
		TenantID:   c.TenantID,
		RequestID:  c.ID,
		Type:       KindCollection,
		Amount:     c.Amount,
		RequestRef: c.RequestReference,
		Currency:   c.Currency,
		CreatedAt:  c.UpdatedAt,
	}
	if c.Status == domain.StatusCompleted {
		p.Status = StatusSuccess
		p.TransactionRef = c.ReceiptNumber
	} else {
		p.Status = StatusFailed
		p.Remarks = failureRemarks(c.Remarks)
	}
	return p
}

// DisbursementPayload describes a terminal disbursement.
func DisbursementPayload(d *domain.DisbursementRequest) *Payload {
	p := &Payload{
		TenantID:   d.TenantID,
		RequestID:  d.ID,
		Type:       KindDisbursement,
		Amount:     d.Amount,
		RequestRef: d.RequestReference,
		Currency:   d.Currency,
		CreatedAt:  d.UpdatedAt,
	}
	if d.Status == domain.StatusCompleted {
		p.Status = StatusSuccess
		p.TransactionRef = d.ProviderTransactionID
	} else {
		p.Status = StatusFailed
		p.Remarks = failureRemarks(d.Remarks)
	}
	return p
}
