package worker

import (
	"context"

	"github.com/google/uuid"

	"paygate/internal/domain"
	"paygate/internal/gateway"
	"paygate/internal/payment"
	"paygate/internal/queue"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

// Gateway starts payments at the provider.
type Gateway interface {
	InitiateCollection(ctx context.Context, r *domain.CollectionRequest) (*gateway.CollectionAck, error)
	InitiateDisbursement(ctx context.Context, r *domain.DisbursementRequest) (*gateway.DisbursementAck, error)
}

// Requests is the request state initiation reads and advances.
type Requests interface {
	FindCollection(ctx context.Context, id uuid.UUID) (*domain.CollectionRequest, error)
	FindDisbursement(ctx context.Context, id uuid.UUID) (*domain.DisbursementRequest, error)
	AdvanceCollection(ctx context.Context, id uuid.UUID, o payment.Outcome) (*domain.CollectionRequest, bool, error)
	AdvanceDisbursement(ctx context.Context, id uuid.UUID, o payment.Outcome) (*domain.DisbursementRequest, bool, error)
}

// Initiator hands pending requests to the provider.
type Initiator struct {
	requests Requests
	gateway  Gateway
	logger   logger.Logger
}

func NewInitiator(requests Requests, gw Gateway, log logger.Logger) *Initiator {
	return &Initiator{requests: requests, gateway: gw, logger: log}
}

// Collection initiates the collection named by t. Requests that are no
// longer pending are left alone, so a redelivered task never pushes a
// second prompt.
func (i *Initiator) Collection(ctx context.Context, t *queue.Task) error {
	c, err := i.requests.FindCollection(ctx, t.RequestID)
	if err != nil {
		if errors.Is(err, errors.ErrCollectionNotFound) {
			return Permanent(err)
		}
		return err
	}
	if c.Status != domain.StatusPending {
		i.logger.Info("Collection no longer pending, skipping initiation", map[string]interface{}{
			"request_id": c.ID,
			"status":     c.Status,
		})
		return nil
	}
	if !c.Amount.IsPositive() {
		return Permanent(errors.NewValidation("amount", "must be greater than 0"))
	}
	phone, err := gateway.NormalizePhone(c.PhoneNumber)
	if err != nil {
		return Permanent(err)
	}

	req := *c
	req.PhoneNumber = phone
	ack, err := i.gateway.InitiateCollection(ctx, &req)
	if err != nil {
		return classify(err)
	}

	_, _, err = i.requests.AdvanceCollection(ctx, c.ID, payment.Outcome{
		Event: payment.EventInitiated,
		Change: domain.StatusChange{
			CheckoutRequestID: nonEmpty(ack.CheckoutRequestID),
			MerchantRequestID: nonEmpty(ack.MerchantRequestID),
		},
	})
	if err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
		return err
	}
	i.logger.Info("Collection initiated", map[string]interface{}{
		"request_id":          c.ID,
		"tenant_id":           c.TenantID,
		"checkout_request_id": ack.CheckoutRequestID,
		"attempt":             t.Attempt,
	})
	return nil
}

// Disbursement initiates the disbursement named by t.
func (i *Initiator) Disbursement(ctx context.Context, t *queue.Task) error {
	d, err := i.requests.FindDisbursement(ctx, t.RequestID)
	if err != nil {
		if errors.Is(err, errors.ErrDisbursementNotFound) {
			return Permanent(err)
		}
		return err
	}
	if d.Status != domain.StatusPending {
		i.logger.Info("Disbursement no longer pending, skipping initiation", map[string]interface{}{
			"request_id": d.ID,
			"status":     d.Status,
		})
		return nil
	}
	if !d.Amount.IsPositive() {
		return Permanent(errors.NewValidation("amount", "must be greater than 0"))
	}

	req := *d
	switch {
	case d.PhoneNumber != nil && d.BusinessAccount == nil:
		phone, err := gateway.NormalizePhone(*d.PhoneNumber)
		if err != nil {
			return Permanent(err)
		}
		req.PhoneNumber = &phone
	case d.BusinessAccount != nil && d.PhoneNumber == nil:
	default:
		return Permanent(errors.NewValidation("mpesa_number", "exactly one of mpesa_number or b2b_account is required"))
	}

	ack, err := i.gateway.InitiateDisbursement(ctx, &req)
	if err != nil {
		return classify(err)
	}

	_, _, err = i.requests.AdvanceDisbursement(ctx, d.ID, payment.Outcome{
		Event: payment.EventInitiated,
		Change: domain.StatusChange{
			ConversationID:           nonEmpty(ack.ConversationID),
			OriginatorConversationID: nonEmpty(ack.OriginatorConversationID),
		},
	})
	if err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
		return err
	}
	i.logger.Info("Disbursement initiated", map[string]interface{}{
		"request_id":      d.ID,
		"tenant_id":       d.TenantID,
		"channel":         d.Channel(),
		"conversation_id": ack.ConversationID,
		"attempt":         t.Attempt,
	})
	return nil
}

// FailCollection records that the collection named by t could not be
// initiated.
func (i *Initiator) FailCollection(ctx context.Context, t *queue.Task, cause error) {
	remarks := failureRemarks(cause)
	_, moved, err := i.requests.AdvanceCollection(ctx, t.RequestID, payment.Outcome{
		Event:  payment.EventInitiateFailed,
		Change: domain.StatusChange{Remarks: &remarks},
	})
	i.logFailure("collection", t, remarks, moved, err)
}

// FailDisbursement records that the disbursement named by t could not be
// initiated. The wallet hold is released by the failed transition.
func (i *Initiator) FailDisbursement(ctx context.Context, t *queue.Task, cause error) {
	remarks := failureRemarks(cause)
	_, moved, err := i.requests.AdvanceDisbursement(ctx, t.RequestID, payment.Outcome{
		Event:  payment.EventInitiateFailed,
		Change: domain.StatusChange{Remarks: &remarks},
	})
	i.logFailure("disbursement", t, remarks, moved, err)
}

func (i *Initiator) logFailure(kind string, t *queue.Task, remarks string, moved bool, err error) {
	fields := map[string]interface{}{
		"kind":       kind,
		"request_id": t.RequestID,
		"attempt":    t.Attempt,
		"remarks":    remarks,
	}
	switch {
	case err != nil:
		fields["error"] = err.Error()
		i.logger.Error("Failed to record initiation failure", fields)
	case moved:
		i.logger.Error("Request failed at initiation", fields)
	default:
		i.logger.Info("Initiation failure ignored, request already moved on", fields)
	}
}

// classify marks provider errors that retrying cannot fix.
func classify(err error) error {
	var g *errors.GatewayError
	if errors.As(err, &g) && !g.Transient {
		return Permanent(err)
	}
	return err
}

func failureRemarks(err error) string {
	var g *errors.GatewayError
	switch {
	case errors.Is(err, errors.ErrInvalidPhone):
		return "invalid phone number"
	case errors.As(err, &g) && g.Message != "":
		return g.Message
	case err != nil:
		return err.Error()
	}
	return "initiation failed"
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
