package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

var (
	allStatuses = []domain.RequestStatus{
		domain.StatusPending, domain.StatusInitiated, domain.StatusCompleted, domain.StatusFailed,
	}
	allEvents = []Event{EventInitiated, EventInitiateFailed, EventSucceeded, EventFailed}
)

func TestNext_Exhaustive(t *testing.T) {
	want := map[domain.RequestStatus]map[Event]domain.RequestStatus{
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

	for _, from := range allStatuses {
		for _, ev := range allEvents {
			to, err := Next(from, ev)
			if expected, ok := want[from][ev]; ok {
				require.NoError(t, err, "%s on %s", ev, from)
				assert.Equal(t, expected, to, "%s on %s", ev, from)
				continue
			}
			assert.ErrorIs(t, err, errors.ErrInvalidTransition, "%s on %s", ev, from)
		}
	}
}

func TestNext_TerminalStatesAreFinal(t *testing.T) {
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			continue
		}
		for _, ev := range allEvents {
			_, err := Next(s, ev)
			assert.Error(t, err)
		}
	}
}

func TestSources(t *testing.T) {
	assert.Equal(t, []domain.RequestStatus{domain.StatusPending}, Sources(EventInitiated))
	assert.Equal(t, []domain.RequestStatus{domain.StatusPending}, Sources(EventInitiateFailed))
	assert.Equal(t, []domain.RequestStatus{domain.StatusPending, domain.StatusInitiated}, Sources(EventSucceeded))
	assert.Equal(t, []domain.RequestStatus{domain.StatusPending, domain.StatusInitiated}, Sources(EventFailed))
}

func TestEffectsFor(t *testing.T) {
	tests := []struct {
		kind   Kind
		to     domain.RequestStatus
		linked bool
		want   Effects
	}{
		{KindCollection, domain.StatusCompleted, false, Effects{CreditWallet: true, Webhook: true}},
		{KindCollection, domain.StatusCompleted, true, Effects{CreditWallet: true, LivePush: true, CloseLink: true}},
		{KindCollection, domain.StatusFailed, false, Effects{Webhook: true}},
		{KindCollection, domain.StatusFailed, true, Effects{LivePush: true}},
		{KindCollection, domain.StatusInitiated, false, Effects{}},
		{KindDisbursement, domain.StatusCompleted, false, Effects{Webhook: true}},
		{KindDisbursement, domain.StatusFailed, false, Effects{RefundHold: true, Webhook: true}},
		{KindDisbursement, domain.StatusInitiated, false, Effects{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EffectsFor(tt.kind, tt.to, tt.linked), "%s -> %s linked=%v", tt.kind, tt.to, tt.linked)
	}
}
