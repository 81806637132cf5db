package payment

import (
	"fmt"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

// Event is something that happened to a request.
type Event string

const (
	// EventInitiated: the provider accepted the initiate call.
	EventInitiated Event = "initiated"
	// EventInitiateFailed: initiation failed for good (bad input, permanent
	// provider rejection, or retries exhausted).
	EventInitiateFailed Event = "initiate_failed"
	// EventSucceeded: the provider reported the money moved.
	EventSucceeded Event = "succeeded"
	// EventFailed: the provider reported the payment failed.
	EventFailed Event = "failed"
)

// Kind distinguishes the two request types sharing the lifecycle.
type Kind string

const (
	KindCollection   Kind = "collection"
	KindDisbursement Kind = "disbursement"
)

// transitions is the complete lifecycle. A provider result may arrive
// before the initiate call is recorded, so callback events are accepted
// from pending too. Terminal states have no outgoing edges.
var transitions = map[domain.RequestStatus]map[Event]domain.RequestStatus{
	domain.StatusPending: {
		EventInitiated:      domain.StatusInitiated,
		EventInitiateFailed: domain.StatusFailed,
		EventSucceeded:      domain.StatusCompleted,
		EventFailed:         domain.StatusFailed,
	},
	domain.StatusInitiated: {
		EventSucceeded: domain.StatusCompleted,
		EventFailed:    domain.StatusFailed,
	},
}

var lifecycleOrder = []domain.RequestStatus{domain.StatusPending, domain.StatusInitiated}

// Next returns the state ev leads to from current, or
// errors.ErrInvalidTransition.
func Next(current domain.RequestStatus, ev Event) (domain.RequestStatus, error) {
	if to, ok := transitions[current][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s on %s", errors.ErrInvalidTransition, ev, current)
}

// Sources lists the states ev may fire from. Updates are conditional on
// the stored status being one of these.
func Sources(ev Event) []domain.RequestStatus {
	var out []domain.RequestStatus
	for _, s := range lifecycleOrder {
		if _, ok := transitions[s][ev]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Effects are the side effects owed once a request reaches a state.
type Effects struct {
	CreditWallet bool
	RefundHold   bool
	Webhook      bool
	LivePush     bool
	CloseLink    bool
}

// EffectsFor returns what must happen when a request of kind lands in to.
// linked is true for collections opened through a payment link, whose
// payer is watching live instead of the tenant getting a webhook.
func EffectsFor(kind Kind, to domain.RequestStatus, linked bool) Effects {
	switch {
	case kind == KindCollection && to == domain.StatusCompleted && !linked:
		return Effects{CreditWallet: true, Webhook: true}
	case kind == KindCollection && to == domain.StatusCompleted && linked:
		return Effects{CreditWallet: true, LivePush: true, CloseLink: true}
	case kind == KindCollection && to == domain.StatusFailed && !linked:
		return Effects{Webhook: true}
	case kind == KindCollection && to == domain.StatusFailed && linked:
		return Effects{LivePush: true}
	case kind == KindDisbursement && to == domain.StatusCompleted:
		return Effects{Webhook: true}
	case kind == KindDisbursement && to == domain.StatusFailed:
		return Effects{RefundHold: true, Webhook: true}
	}
	return Effects{}
}
