package payment_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain"
	"paygate/internal/notification"
	"paygate/internal/payment"
	"paygate/internal/payment/paymenttest"
	"paygate/internal/queue"
	"paygate/pkg/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

func collectionInput(ref string) payment.CollectionInput {
	return payment.CollectionInput{Amount: dec("500"), Reference: ref, Phone: "0712345678"}
}

func TestCreateCollection(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")

	c, err := env.Service.CreateCollection(context.Background(), tn.ID, collectionInput("R1"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, c.Status)
	assert.Equal(t, domain.KES, c.Currency)
	assert.Equal(t, "R1", c.RequestReference)

	tasks := env.Tasks(queue.KindInitiateCollection)
	require.Len(t, tasks, 1)
	assert.Equal(t, c.ID, tasks[0].RequestID)
}

func TestCreateCollection_Validation(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")

	tests := []struct {
		name  string
		in    payment.CollectionInput
		field string
	}{
		{"missing amount", payment.CollectionInput{Reference: "A", Phone: "0712345678"}, "amount"},
		{"negative amount", payment.CollectionInput{Amount: dec("-5"), Reference: "A", Phone: "0712345678"}, "amount"},
		{"fractional amount", payment.CollectionInput{Amount: dec("100.50"), Reference: "A", Phone: "0712345678"}, "amount"},
		{"missing reference", payment.CollectionInput{Amount: dec("10"), Phone: "0712345678"}, "request_ref"},
		{"missing phone", payment.CollectionInput{Amount: dec("10"), Reference: "A"}, "mpesa_number"},
		{"bad currency", payment.CollectionInput{Amount: dec("10"), Reference: "A", Phone: "0712345678", Currency: "USD"}, "currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Service.CreateCollection(context.Background(), tn.ID, tt.in)
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, env.Queue.Pending())
}

func TestCreateCollection_DuplicateReference(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")
	ctx := context.Background()

	_, err := env.Service.CreateCollection(ctx, tn.ID, collectionInput("R1"))
	require.NoError(t, err)
	_, err = env.Service.CreateCollection(ctx, tn.ID, collectionInput("R1"))
	assert.ErrorIs(t, err, errors.ErrDuplicateReference)
	assert.Len(t, env.Tasks(queue.KindInitiateCollection), 1)
}

func TestCreateCollection_UnknownTenant(t *testing.T) {
	env := paymenttest.New(t)
	_, err := env.Service.CreateCollection(context.Background(), uuid.New(), collectionInput("R1"))
	assert.ErrorIs(t, err, errors.ErrTenantNotFound)
}

func TestCreateDisbursement_HoldsAmountPlusFee(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "5000")

	d, err := env.Service.CreateDisbursement(context.Background(), tn.ID, payment.DisbursementInput{
		Amount:    dec("2000"),
		Reference: "D1",
		Phone:     strPtr("0712345678"),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, domain.ChannelPhone, d.Channel())
	assert.True(t, d.Fee.Equal(dec("9")), "fee %s", d.Fee)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("2991")))
	assert.Len(t, env.Tasks(queue.KindInitiateDisbursement), 1)
}

func TestCreateDisbursement_InsufficientFunds(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "2005")

	_, err := env.Service.CreateDisbursement(context.Background(), tn.ID, payment.DisbursementInput{
		Amount:    dec("2000"),
		Reference: "D1",
		Phone:     strPtr("0712345678"),
	})
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("2005")))
	assert.Empty(t, env.Disbursements.All())
	assert.Empty(t, env.Transactions.Entries(tn.ID))
}

func TestCreateDisbursement_Channels(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "100000")
	ctx := context.Background()
	account := &domain.BusinessAccount{Paybill: "888880", Account: "ACC-1"}

	_, err := env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("100"), Reference: "both", Phone: strPtr("0712345678"), BusinessAccount: account,
	})
	assert.True(t, errors.IsValidation(err), "both channels: %v", err)

	_, err = env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("100"), Reference: "neither",
	})
	assert.True(t, errors.IsValidation(err), "no channel: %v", err)

	_, err = env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("100"), Reference: "badpaybill", BusinessAccount: &domain.BusinessAccount{Paybill: "12", Account: "A"},
	})
	assert.True(t, errors.IsValidation(err), "bad paybill: %v", err)

	d, err := env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("10000"), Reference: "b2b", BusinessAccount: account,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelBusiness, d.Channel())
	assert.True(t, d.Fee.Equal(dec("115")))
}

func TestCreateDisbursement_OutsideTariff(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "1000000000")

	_, err := env.Service.CreateDisbursement(context.Background(), tn.ID, payment.DisbursementInput{
		Amount: dec("100000000"), Reference: "huge", Phone: strPtr("0712345678"),
	})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
}

func TestCreateDisbursement_DuplicateReferenceHoldsNothing(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "5000")
	ctx := context.Background()
	in := payment.DisbursementInput{Amount: dec("1000"), Reference: "D1", Phone: strPtr("0712345678")}

	_, err := env.Service.CreateDisbursement(ctx, tn.ID, in)
	require.NoError(t, err)
	after := env.Balance(t, tn.ID)

	_, err = env.Service.CreateDisbursement(ctx, tn.ID, in)
	assert.ErrorIs(t, err, errors.ErrDuplicateReference)
	assert.True(t, env.Balance(t, tn.ID).Equal(after))
}

func TestAdvanceCollection_CompletesOnce(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")
	ctx := context.Background()

	c, err := env.Service.CreateCollection(ctx, tn.ID, collectionInput("R1"))
	require.NoError(t, err)

	_, moved, err := env.Service.AdvanceCollection(ctx, c.ID, payment.Outcome{
		Event:  payment.EventInitiated,
		Change: domain.StatusChange{CheckoutRequestID: strPtr("ws_CO_1")},
	})
	require.NoError(t, err)
	require.True(t, moved)

	success := payment.Outcome{
		Event:  payment.EventSucceeded,
		Change: domain.StatusChange{ReceiptNumber: strPtr("XYZ123")},
		Paid:   dec("500"),
	}
	done, moved, err := env.Service.AdvanceCollection(ctx, c.ID, success)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, domain.StatusCompleted, done.Status)

	// replayed result
	again, moved, err := env.Service.AdvanceCollection(ctx, c.ID, success)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, domain.StatusCompleted, again.Status)

	entries := env.Transactions.Entries(tn.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryCredit, entries[0].Type)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("500")))

	hooks := env.Tasks(queue.KindSendWebhook)
	require.Len(t, hooks, 1)
	var p notification.Payload
	require.NoError(t, hooks[0].Decode(&p))
	assert.Equal(t, notification.StatusSuccess, p.Status)
	require.NotNil(t, p.TransactionRef)
	assert.Equal(t, "XYZ123", *p.TransactionRef)
}

func TestAdvanceCollection_ResultBeforeInitiateRecorded(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")
	ctx := context.Background()

	c, err := env.Service.CreateCollection(ctx, tn.ID, collectionInput("R1"))
	require.NoError(t, err)

	done, moved, err := env.Service.AdvanceCollection(ctx, c.ID, payment.Outcome{
		Event:  payment.EventFailed,
		Change: domain.StatusChange{Remarks: strPtr("Request cancelled by user")},
	})
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, domain.StatusFailed, done.Status)

	// the late initiate ack no longer applies
	_, moved, err = env.Service.AdvanceCollection(ctx, c.ID, payment.Outcome{Event: payment.EventInitiated})
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Empty(t, env.Transactions.Entries(tn.ID))
}

func TestAdvanceCollection_InvalidEvent(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")
	ctx := context.Background()

	c, err := env.Service.CreateCollection(ctx, tn.ID, collectionInput("R1"))
	require.NoError(t, err)
	_, _, err = env.Service.AdvanceCollection(ctx, c.ID, payment.Outcome{Event: payment.EventInitiated})
	require.NoError(t, err)

	_, moved, err := env.Service.AdvanceCollection(ctx, c.ID, payment.Outcome{Event: payment.EventInitiateFailed})
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.False(t, moved)
}

func TestAdvanceCollection_LinkedGoesLive(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")
	ctx := context.Background()

	link, err := env.Service.CreatePaymentLink(ctx, tn.ID, payment.PaymentLinkInput{Amount: dec("250")})
	require.NoError(t, err)
	c, err := env.Service.CreateLinkCollection(ctx, link.Token, "0712345678")
	require.NoError(t, err)
	require.True(t, c.Linked())
	assert.Len(t, c.RequestReference, 12)

	_, moved, err := env.Service.AdvanceCollection(ctx, c.ID, payment.Outcome{
		Event:  payment.EventSucceeded,
		Change: domain.StatusChange{ReceiptNumber: strPtr("LNK1")},
	})
	require.NoError(t, err)
	require.True(t, moved)

	p, ok := env.Hub.Published(c.ID)
	require.True(t, ok)
	assert.Equal(t, notification.StatusSuccess, p.Status)
	assert.Empty(t, env.Tasks(queue.KindSendWebhook))
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("250")))
	txns, err := env.Transactions.ListTransactions(ctx, tn.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.NotNil(t, txns[0].PaymentLinkID)
	assert.Equal(t, link.ID, *txns[0].PaymentLinkID)

	_, err = env.Service.CreateLinkCollection(ctx, link.Token, "0712345678")
	assert.ErrorIs(t, err, errors.ErrPaymentLinkClosed)
}

func TestCreateLinkCollection_UnknownToken(t *testing.T) {
	env := paymenttest.New(t)
	_, err := env.Service.CreateLinkCollection(context.Background(), "nope", "0712345678")
	assert.ErrorIs(t, err, errors.ErrPaymentLinkNotFound)
}

func TestAdvanceDisbursement_FailureRefundsHold(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "5000")
	ctx := context.Background()

	d, err := env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("2000"), Reference: "D1", Phone: strPtr("0712345678"),
	})
	require.NoError(t, err)
	require.True(t, env.Balance(t, tn.ID).Equal(dec("2991")))

	failed, moved, err := env.Service.AdvanceDisbursement(ctx, d.ID, payment.Outcome{
		Event:  payment.EventFailed,
		Change: domain.StatusChange{Remarks: strPtr("The initiator information is invalid.")},
	})
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("5000")))

	// a second failure report does not refund twice
	_, moved, err = env.Service.AdvanceDisbursement(ctx, d.ID, payment.Outcome{Event: payment.EventFailed})
	require.NoError(t, err)
	assert.False(t, moved)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("5000")))

	hooks := env.Tasks(queue.KindSendWebhook)
	require.Len(t, hooks, 1)
	var p notification.Payload
	require.NoError(t, hooks[0].Decode(&p))
	assert.Equal(t, notification.StatusFailed, p.Status)
	require.NotNil(t, p.Remarks)
	assert.Equal(t, "The initiator information is invalid.", *p.Remarks)
}

func TestAdvanceDisbursement_CompletedKeepsHold(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "5000")
	ctx := context.Background()

	d, err := env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("2000"), Reference: "D1", Phone: strPtr("0712345678"),
	})
	require.NoError(t, err)

	done, moved, err := env.Service.AdvanceDisbursement(ctx, d.ID, payment.Outcome{
		Event:  payment.EventSucceeded,
		Change: domain.StatusChange{ProviderTransactionID: strPtr("NLJ41HAY6Q")},
	})
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("2991")))
	assert.Len(t, env.Tasks(queue.KindSendWebhook), 1)
}

func TestCollectionStatus(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "0")
	other := env.Tenant(t, "0")
	ctx := context.Background()

	c, err := env.Service.CreateCollection(ctx, tn.ID, collectionInput("R1"))
	require.NoError(t, err)

	got, err := env.Service.CollectionStatus(ctx, tn.ID, "key-a", c.ID.String())
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = env.Service.CollectionStatus(ctx, tn.ID, "key-a", c.ID.String())
	assert.ErrorIs(t, err, errors.ErrRateLimited)

	got, err = env.Service.CollectionStatus(ctx, tn.ID, "key-a", "R1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = env.Service.CollectionStatus(ctx, other.ID, "key-b", "R1")
	assert.ErrorIs(t, err, errors.ErrCollectionNotFound)

	_, err = env.Service.CollectionStatus(ctx, tn.ID, "key-a", "missing")
	assert.ErrorIs(t, err, errors.ErrCollectionNotFound)
}

func TestDisbursementStatus(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "5000")
	ctx := context.Background()

	d, err := env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("100"), Reference: "D1", Phone: strPtr("0712345678"),
	})
	require.NoError(t, err)

	got, err := env.Service.DisbursementStatus(ctx, tn.ID, "key-a", "D1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = env.Service.DisbursementStatus(ctx, tn.ID, "key-a", "D1")
	assert.ErrorIs(t, err, errors.ErrRateLimited)
}

func TestCreatePayout(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "10000")
	ctx := context.Background()
	method := domain.BusinessAccountMethod("888880", "ACC-1")

	d, err := env.Service.CreatePayout(ctx, tn.ID, method)
	require.NoError(t, err)
	assert.True(t, d.Amount.Equal(dec("9885")), "amount %s", d.Amount)
	assert.True(t, d.Fee.Equal(dec("115")))
	assert.Equal(t, domain.SourcePayout, d.Source)
	assert.True(t, env.Balance(t, tn.ID).IsZero())

	_, err = env.Service.CreatePayout(ctx, tn.ID, method)
	assert.Error(t, err)
	assert.Len(t, env.Disbursements.All(), 1)
}

func TestCreatePayout_WholeShillings(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "10000.75")

	d, err := env.Service.CreatePayout(context.Background(), tn.ID, domain.BusinessAccountMethod("888880", "ACC-1"))
	require.NoError(t, err)
	assert.True(t, d.Amount.Equal(dec("9885")), "amount %s", d.Amount)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("0.75")))
}

func TestCreate_FractionalAmountRejected(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "5000")
	ctx := context.Background()

	_, err := env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: dec("99.99"), Reference: "D1", Phone: strPtr("0712345678"),
	})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Equal(t, "must be a whole number", verr.Reason)

	_, err = env.Service.CreatePaymentLink(ctx, tn.ID, payment.PaymentLinkInput{Amount: dec("0.5")})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	assert.True(t, env.Balance(t, tn.ID).Equal(dec("5000")))
	assert.Empty(t, env.Disbursements.All())
}

func TestCreatePayout_FeeExceedsBalance(t *testing.T) {
	env := paymenttest.New(t)
	tn := env.Tenant(t, "2")

	_, err := env.Service.CreatePayout(context.Background(), tn.ID, domain.BusinessAccountMethod("888880", "ACC-1"))
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
	assert.True(t, env.Balance(t, tn.ID).Equal(dec("2")))
}
