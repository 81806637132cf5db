package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/internal/notification"
	"paygate/internal/queue"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

// Deliverer sends one webhook.
type Deliverer interface {
	Deliver(ctx context.Context, p *notification.Payload) error
}

// Webhooks delivers send_webhook tasks.
type Webhooks struct {
	deliverer Deliverer
	logger    logger.Logger
}

func NewWebhooks(d Deliverer, log logger.Logger) *Webhooks {
	return &Webhooks{deliverer: d, logger: log}
}

func (w *Webhooks) Handle(ctx context.Context, t *queue.Task) error {
	var p notification.Payload
	if err := t.Decode(&p); err != nil {
		return Permanent(fmt.Errorf("bad webhook payload: %w", err))
	}
	return w.deliverer.Deliver(ctx, &p)
}

func (w *Webhooks) Abandon(_ context.Context, t *queue.Task, err error) {
	w.logger.Error("Webhook delivery abandoned", map[string]interface{}{
		"request_id": t.RequestID,
		"attempt":    t.Attempt,
		"error":      err.Error(),
	})
}

// Poster applies a ledger posting.
type Poster interface {
	Apply(ctx context.Context, p ledger.Posting) (*ledger.Result, error)
}

// Postings applies ledger_post tasks: wallet movements that could not be
// written when the request settled.
type Postings struct {
	ledger Poster
	logger logger.Logger
}

func NewPostings(l Poster, log logger.Logger) *Postings {
	return &Postings{ledger: l, logger: log}
}

func (h *Postings) Handle(ctx context.Context, t *queue.Task) error {
	var p ledger.Posting
	if err := t.Decode(&p); err != nil {
		return Permanent(fmt.Errorf("bad ledger payload: %w", err))
	}
	_, err := h.ledger.Apply(ctx, p)
	switch {
	case err == nil, errors.Is(err, errors.ErrDuplicateReference):
		return nil
	case errors.Is(err, errors.ErrInsufficientFunds), errors.Is(err, errors.ErrTenantNotFound):
		return Permanent(err)
	}
	return err
}

func (h *Postings) Abandon(_ context.Context, t *queue.Task, err error) {
	var p ledger.Posting
	_ = t.Decode(&p)
	h.logger.Error("Ledger posting abandoned, wallet needs manual reconciliation", map[string]interface{}{
		"request_id": t.RequestID,
		"tenant_id":  p.TenantID,
		"reference":  p.Reference,
		"amount":     p.Amount.String(),
		"direction":  p.Direction,
		"error":      err.Error(),
	})
}

// PayoutMethods resolves where a tenant is paid out.
type PayoutMethods interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*domain.TenantConfig, error)
}

// PayoutCreator opens a payout disbursement.
type PayoutCreator interface {
	CreatePayout(ctx context.Context, tenantID uuid.UUID, method domain.PaymentMethod) (*domain.DisbursementRequest, error)
}

// Payouts handles payout_batch tasks.
type Payouts struct {
	methods PayoutMethods
	payouts PayoutCreator
	logger  logger.Logger
}

func NewPayouts(methods PayoutMethods, payouts PayoutCreator, log logger.Logger) *Payouts {
	return &Payouts{methods: methods, payouts: payouts, logger: log}
}

// Handle opens a payout for every tenant in the batch. A tenant that
// fails does not stop the others. When some tenants failed for reasons a
// retry may fix, t.TenantIDs is narrowed to those tenants and an error is
// returned, so the retry only revisits them.
func (h *Payouts) Handle(ctx context.Context, t *queue.Task) error {
	var retry []uuid.UUID
	opened := 0
	for _, tenantID := range t.TenantIDs {
		fields := map[string]interface{}{"tenant_id": tenantID, "task_id": t.ID, "attempt": t.Attempt}

		cfg, err := h.methods.Get(ctx, tenantID)
		if err != nil {
			fields["error"] = err.Error()
			h.logger.Error("Payout skipped, tenant config unavailable", fields)
			if !errors.Is(err, errors.ErrTenantNotFound) {
				retry = append(retry, tenantID)
			}
			continue
		}
		if cfg.PayoutMethod == nil {
			h.logger.Info("Payout skipped, no payout method configured", fields)
			continue
		}

		d, err := h.payouts.CreatePayout(ctx, tenantID, *cfg.PayoutMethod)
		switch {
		case err == nil:
			opened++
			fields["request_id"] = d.ID
			fields["amount"] = d.Amount.String()
			fields["fee"] = d.Fee.String()
			h.logger.Info("Payout opened", fields)
		case errors.Is(err, errors.ErrDuplicateReference):
			h.logger.Info("Payout already opened this period", fields)
		case errors.Is(err, errors.ErrInsufficientFunds),
			errors.Is(err, errors.ErrTariffNotApplicable),
			errors.Is(err, errors.ErrTenantNotFound),
			errors.IsValidation(err):
			fields["error"] = err.Error()
			h.logger.Warn("Payout skipped", fields)
		default:
			fields["error"] = err.Error()
			h.logger.Error("Payout failed", fields)
			retry = append(retry, tenantID)
		}
	}

	h.logger.Info("Payout batch processed", map[string]interface{}{
		"task_id": t.ID,
		"tenants": len(t.TenantIDs),
		"opened":  opened,
		"retry":   len(retry),
	})
	if len(retry) > 0 {
		t.TenantIDs = retry
		return fmt.Errorf("payout failed for %d tenants", len(retry))
	}
	return nil
}

func (h *Payouts) Abandon(_ context.Context, t *queue.Task, err error) {
	h.logger.Error("Payout batch abandoned", map[string]interface{}{
		"task_id":    t.ID,
		"tenant_ids": t.TenantIDs,
		"error":      err.Error(),
	})
}

// Register wires every task kind into p.
func Register(p *Pool, init *Initiator, hooks *Webhooks, postings *Postings, payouts *Payouts) {
	p.Register(queue.KindInitiateCollection, Route{Handle: init.Collection, OnExhausted: init.FailCollection})
	p.Register(queue.KindInitiateDisbursement, Route{Handle: init.Disbursement, OnExhausted: init.FailDisbursement})
	p.Register(queue.KindSendWebhook, Route{Handle: hooks.Handle, OnExhausted: hooks.Abandon})
	p.Register(queue.KindLedgerPost, Route{Handle: postings.Handle, OnExhausted: postings.Abandon})
	p.Register(queue.KindPayoutBatch, Route{Handle: payouts.Handle, OnExhausted: payouts.Abandon})
}
