package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/internal/metrics"
	"paygate/internal/notification"
	"paygate/internal/queue"
	"paygate/pkg/errors"
)

// Outcome is an event together with what the event carries.
type Outcome struct {
	Event  Event
	Change domain.StatusChange
	// Paid is the amount the provider reports as collected. Zero means the
	// requested amount.
	Paid decimal.Decimal
}

// AdvanceCollection applies o to collection id and performs the effects
// owed by the new state. It reports false, with no error, when the event
// no longer applies: the request is already terminal or another writer
// moved it first. That makes replays harmless.
func (s *Service) AdvanceCollection(ctx context.Context, id uuid.UUID, o Outcome) (*domain.CollectionRequest, bool, error) {
	c, err := s.collections.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	to, err := Next(c.Status, o.Event)
	if err != nil {
		if c.Status.IsTerminal() {
			return c, false, nil
		}
		return c, false, err
	}

	change := o.Change
	change.To = to
	ok, err := s.collections.Transition(ctx, id, Sources(o.Event), change)
	if err != nil {
		return nil, false, err
	}
	updated, err := s.collections.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return updated, false, nil
	}

	metrics.Transitions.WithLabelValues(string(KindCollection), string(to)).Inc()
	s.logger.Info("Collection transitioned", map[string]interface{}{
		"request_id": id,
		"tenant_id":  updated.TenantID,
		"from":       c.Status,
		"to":         to,
	})
	s.settleCollection(ctx, updated, o.Paid)
	return updated, true, nil
}

// AdvanceDisbursement is AdvanceCollection for disbursements.
func (s *Service) AdvanceDisbursement(ctx context.Context, id uuid.UUID, o Outcome) (*domain.DisbursementRequest, bool, error) {
	d, err := s.disbursements.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	to, err := Next(d.Status, o.Event)
	if err != nil {
		if d.Status.IsTerminal() {
			return d, false, nil
		}
		return d, false, err
	}

	change := o.Change
	change.To = to
	ok, err := s.disbursements.Transition(ctx, id, Sources(o.Event), change)
	if err != nil {
		return nil, false, err
	}
	updated, err := s.disbursements.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return updated, false, nil
	}

	metrics.Transitions.WithLabelValues(string(KindDisbursement), string(to)).Inc()
	s.logger.Info("Disbursement transitioned", map[string]interface{}{
		"request_id": id,
		"tenant_id":  updated.TenantID,
		"from":       d.Status,
		"to":         to,
	})
	s.settleDisbursement(ctx, updated)
	return updated, true, nil
}

func (s *Service) settleCollection(ctx context.Context, c *domain.CollectionRequest, paid decimal.Decimal) {
	fx := EffectsFor(KindCollection, c.Status, c.Linked())

	if fx.CreditWallet {
		// The wallet never gains more than was requested.
		amount := c.Amount
		if paid.IsPositive() && !paid.Equal(c.Amount) {
			s.logger.Warn("Collected amount differs from requested", map[string]interface{}{
				"request_id": c.ID,
				"requested":  c.Amount.String(),
				"paid":       paid.String(),
			})
			amount = decimal.Min(paid, c.Amount)
		}
		ref := "col-" + c.ID.String()
		if c.ReceiptNumber != nil && *c.ReceiptNumber != "" {
			ref = *c.ReceiptNumber
		}
		phone := c.PhoneNumber
		s.post(ctx, c.ID, ledger.Posting{
			TenantID:      c.TenantID,
			Amount:        amount,
			Direction:     domain.EntryCredit,
			Gateway:       domain.GatewayMpesa,
			Reference:     ref,
			AccountNo:     &phone,
			PaymentLinkID: c.PaymentLinkID,
		})
	}

	payload := notification.CollectionPayload(c)
	if fx.Webhook {
		s.queueWebhook(ctx, payload)
	}
	if fx.LivePush && s.live != nil {
		if err := s.live.Publish(ctx, payload); err != nil {
			s.logger.Error("Failed to publish live status", map[string]interface{}{
				"request_id": c.ID,
				"error":      err.Error(),
			})
		}
	}
	if fx.CloseLink && c.PaymentLinkID != nil {
		if err := s.links.MarkPaid(ctx, *c.PaymentLinkID); err != nil {
			s.logger.Error("Failed to close payment link", map[string]interface{}{
				"request_id":      c.ID,
				"payment_link_id": *c.PaymentLinkID,
				"error":           err.Error(),
			})
		}
	}
}

func (s *Service) settleDisbursement(ctx context.Context, d *domain.DisbursementRequest) {
	fx := EffectsFor(KindDisbursement, d.Status, false)

	if fx.RefundHold {
		s.post(ctx, d.ID, ledger.Posting{
			TenantID:  d.TenantID,
			Amount:    d.Total(),
			Direction: domain.EntryCredit,
			Gateway:   domain.GatewayMpesa,
			Reference: "rfd-" + d.ID.String(),
			AccountNo: disbursementAccount(d),
		})
	}
	if fx.Webhook {
		s.queueWebhook(ctx, notification.DisbursementPayload(d))
	}
}

// post applies p now, or hands it to the workers when the ledger is
// unavailable. The reference makes both paths safe to repeat.
func (s *Service) post(ctx context.Context, requestID uuid.UUID, p ledger.Posting) {
	var err error
	if p.Direction == domain.EntryDebit {
		_, err = s.ledger.Debit(ctx, p)
	} else {
		_, err = s.ledger.Credit(ctx, p)
	}
	if err == nil || errors.Is(err, errors.ErrDuplicateReference) {
		return
	}

	s.logger.Error("Ledger posting failed, deferring", map[string]interface{}{
		"request_id": requestID,
		"tenant_id":  p.TenantID,
		"reference":  p.Reference,
		"error":      err.Error(),
	})
	t, err := queue.NewTask(queue.KindLedgerPost, requestID).WithPayload(p)
	if err != nil {
		s.logger.Error("Failed to encode ledger task", map[string]interface{}{"request_id": requestID, "error": err.Error()})
		return
	}
	s.enqueue(ctx, t, p.TenantID)
}

func (s *Service) queueWebhook(ctx context.Context, p *notification.Payload) {
	t, err := queue.NewTask(queue.KindSendWebhook, p.RequestID).WithPayload(p)
	if err != nil {
		s.logger.Error("Failed to encode webhook task", map[string]interface{}{"request_id": p.RequestID, "error": err.Error()})
		return
	}
	s.enqueue(ctx, t, p.TenantID)
}
