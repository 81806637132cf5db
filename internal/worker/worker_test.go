package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paygate/internal/callback"
	"paygate/internal/domain"
	"paygate/internal/gateway"
	"paygate/internal/ledger"
	"paygate/internal/notification"
	"paygate/internal/payment"
	"paygate/internal/payment/paymenttest"
	"paygate/internal/queue"
	"paygate/internal/scheduler"
	"paygate/internal/tenant"
	"paygate/internal/worker"
	"paygate/pkg/config"
	"paygate/pkg/errors"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) InitiateCollection(ctx context.Context, r *domain.CollectionRequest) (*gateway.CollectionAck, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.CollectionAck), args.Error(1)
}

func (m *MockGateway) InitiateDisbursement(ctx context.Context, r *domain.DisbursementRequest) (*gateway.DisbursementAck, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.DisbursementAck), args.Error(1)
}

type MockPayoutCreator struct {
	mock.Mock
}

func (m *MockPayoutCreator) CreatePayout(ctx context.Context, tenantID uuid.UUID, method domain.PaymentMethod) (*domain.DisbursementRequest, error) {
	args := m.Called(ctx, tenantID, method)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DisbursementRequest), args.Error(1)
}

type harness struct {
	env     *paymenttest.Env
	gateway *MockGateway
	pool    *worker.Pool
	configs *tenant.ConfigLookup
}

func newHarness(t *testing.T) *harness {
	env := paymenttest.New(t)
	gw := new(MockGateway)
	configs := tenant.NewConfigLookup(env.Tenants, nil, time.Hour, env.Log)

	pool := worker.NewPool(env.Queue, config.WorkerConfig{
		Concurrency: 1,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, env.Log)
	worker.Register(pool,
		worker.NewInitiator(env.Service, gw, env.Log),
		worker.NewWebhooks(notification.NewDispatcher(configs, time.Second, env.Log), env.Log),
		worker.NewPostings(env.Ledger, env.Log),
		worker.NewPayouts(configs, env.Service, env.Log),
	)
	return &harness{env: env, gateway: gw, pool: pool, configs: configs}
}

// drain processes tasks until none becomes due for a while.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		task, err := h.env.Queue.Dequeue(ctx)
		cancel()
		if err != nil {
			return n
		}
		h.pool.Process(context.Background(), task)
		n++
	}
	t.Fatal("queue did not drain")
	return n
}

type webhookSink struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []notification.Payload
}

func newWebhookSink(t *testing.T) *webhookSink {
	s := &webhookSink{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notification.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *webhookSink) received() []notification.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Payload(nil), s.payloads...)
}

func phoneIs(phone string) interface{} {
	return mock.MatchedBy(func(r *domain.CollectionRequest) bool { return r.PhoneNumber == phone })
}

func TestBackoff(t *testing.T) {
	b := worker.Backoff{Base: 30 * time.Second, Max: 5 * time.Minute}
	assert.Equal(t, 30*time.Second, b.Delay(0))
	assert.Equal(t, 60*time.Second, b.Delay(1))
	assert.Equal(t, 120*time.Second, b.Delay(2))
	assert.Equal(t, 5*time.Minute, b.Delay(10))
}

func TestCollectionEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tn := h.env.Tenant(t, "0")
	sink := newWebhookSink(t)
	url := sink.URL
	require.NoError(t, h.env.Tenants.UpsertConfig(ctx, &domain.TenantConfig{TenantID: tn.ID, CallbackURL: &url}))

	c, err := h.env.Service.CreateCollection(ctx, tn.ID, payment.CollectionInput{
		Amount: decimal.NewFromInt(500), Reference: "R1", Phone: "0712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, c.Status)

	h.gateway.On("InitiateCollection", mock.Anything, phoneIs("254712345678")).Return(&gateway.CollectionAck{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: "ws_CO_191220191020363925",
		ResponseCode:      "0",
	}, nil).Once()

	h.drain(t)
	got, err := h.env.Collections.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, got.Status)
	require.NotNil(t, got.CheckoutRequestID)
	assert.Equal(t, "ws_CO_191220191020363925", *got.CheckoutRequestID)

	r := callback.NewReconciler(h.env.Service, h.env.Log)
	ack, err := r.ReconcileCollection(ctx, tn.ID, c.ID, []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925",
		"ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"XYZ123"},
		{"Name":"PhoneNumber","Value":254712345678}]}}}}`))
	require.NoError(t, err)
	assert.Equal(t, callback.Accepted, ack)

	h.drain(t)

	got, err = h.env.Collections.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	entries := h.env.Transactions.Entries(tn.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryCredit, entries[0].Type)
	assert.True(t, h.env.Balance(t, tn.ID).Equal(decimal.NewFromInt(500)))

	hooks := sink.received()
	require.Len(t, hooks, 1)
	assert.Equal(t, "success", hooks[0].Status)
	require.NotNil(t, hooks[0].TransactionRef)
	assert.Equal(t, "XYZ123", *hooks[0].TransactionRef)
	assert.Equal(t, c.ID, hooks[0].RequestID)
	h.gateway.AssertExpectations(t)
}

func TestCollection_InvalidPhoneFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tn := h.env.Tenant(t, "0")

	c, err := h.env.Service.CreateCollection(ctx, tn.ID, payment.CollectionInput{
		Amount: decimal.NewFromInt(100), Reference: "R2", Phone: "12345",
	})
	require.NoError(t, err)

	h.drain(t)

	got, err := h.env.Collections.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Remarks)
	assert.Equal(t, "invalid phone number", *got.Remarks)
	h.gateway.AssertNotCalled(t, "InitiateCollection", mock.Anything, mock.Anything)
}

func TestCollection_PermanentGatewayErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tn := h.env.Tenant(t, "0")

	c, err := h.env.Service.CreateCollection(ctx, tn.ID, payment.CollectionInput{
		Amount: decimal.NewFromInt(100), Reference: "R3", Phone: "254712345678",
	})
	require.NoError(t, err)

	h.gateway.On("InitiateCollection", mock.Anything, mock.Anything).Return(nil, &errors.GatewayError{
		Op: "stk_push", StatusCode: http.StatusBadRequest, Message: "Bad Request - Invalid PhoneNumber",
	})

	h.drain(t)

	got, err := h.env.Collections.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Remarks)
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", *got.Remarks)
	h.gateway.AssertNumberOfCalls(t, "InitiateCollection", 1)
}

func TestCollection_TransientErrorRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tn := h.env.Tenant(t, "0")

	c, err := h.env.Service.CreateCollection(ctx, tn.ID, payment.CollectionInput{
		Amount: decimal.NewFromInt(100), Reference: "R4", Phone: "0112345678",
	})
	require.NoError(t, err)

	h.gateway.On("InitiateCollection", mock.Anything, phoneIs("254112345678")).
		Return(nil, &errors.GatewayError{Op: "stk_push", StatusCode: 503, Transient: true, Message: "unavailable"}).Once()
	h.gateway.On("InitiateCollection", mock.Anything, phoneIs("254112345678")).
		Return(&gateway.CollectionAck{CheckoutRequestID: "ws_CO_2", ResponseCode: "0"}, nil).Once()

	h.drain(t)

	got, err := h.env.Collections.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, got.Status)
	h.gateway.AssertNumberOfCalls(t, "InitiateCollection", 2)
	assert.True(t, h.env.Log.Has("warn", "Task failed, retrying"))
}

func TestCollection_AlreadyInitiatedIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tn := h.env.Tenant(t, "0")

	c, err := h.env.Service.CreateCollection(ctx, tn.ID, payment.CollectionInput{
		Amount: decimal.NewFromInt(100), Reference: "R5", Phone: "0712345678",
	})
	require.NoError(t, err)
	_, _, err = h.env.Service.AdvanceCollection(ctx, c.ID, payment.Outcome{Event: payment.EventInitiated})
	require.NoError(t, err)

	h.drain(t)
	h.gateway.AssertNotCalled(t, "InitiateCollection", mock.Anything, mock.Anything)
}

func TestPayoutEndToEnd_NetworkFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tn := h.env.Tenant(t, "10000")
	method := domain.BusinessAccountMethod("888880", "ACC-1")
	require.NoError(t, h.env.Tenants.UpsertConfig(ctx, &domain.TenantConfig{TenantID: tn.ID, PayoutMethod: &method}))

	h.gateway.On("InitiateDisbursement", mock.Anything, mock.Anything).Return(nil, &errors.GatewayError{
		Op: "b2b", Transient: true, Err: fmt.Errorf("dial tcp: connection refused"),
	})

	s := scheduler.NewScheduler(h.env.Tenants, h.env.Queue, config.PayoutConfig{BatchSize: 50}, h.env.Log)
	batches, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, batches)

	h.drain(t)

	all := h.env.Disbursements.All()
	require.Len(t, all, 1)
	d := all[0]
	assert.True(t, d.Amount.Equal(decimal.NewFromInt(9885)), "amount %s", d.Amount)
	assert.True(t, d.Fee.Equal(decimal.NewFromInt(115)))
	assert.Equal(t, domain.ChannelBusiness, d.Channel())
	assert.Equal(t, domain.StatusFailed, d.Status)
	require.NotNil(t, d.Remarks)
	assert.Contains(t, *d.Remarks, "connection refused")

	h.gateway.AssertNumberOfCalls(t, "InitiateDisbursement", 3)
	assert.True(t, h.env.Balance(t, tn.ID).Equal(decimal.NewFromInt(10000)), "hold released")
	assert.True(t, h.env.Log.Has("error", "Task retries exhausted"))
}

func TestDisbursement_Initiated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tn := h.env.Tenant(t, "5000")
	phone := "0712345678"

	d, err := h.env.Service.CreateDisbursement(ctx, tn.ID, payment.DisbursementInput{
		Amount: decimal.NewFromInt(1000), Reference: "D1", Phone: &phone,
	})
	require.NoError(t, err)

	h.gateway.On("InitiateDisbursement", mock.Anything, mock.MatchedBy(func(r *domain.DisbursementRequest) bool {
		return r.PhoneNumber != nil && *r.PhoneNumber == "254712345678"
	})).Return(&gateway.DisbursementAck{
		ConversationID:           "AG_20191219_00005797af5d7d75f652",
		OriginatorConversationID: d.ID.String(),
		ResponseCode:             "0",
	}, nil).Once()

	h.drain(t)

	got, err := h.env.Disbursements.FindByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, got.Status)
	require.NotNil(t, got.ConversationID)
	assert.Equal(t, "AG_20191219_00005797af5d7d75f652", *got.ConversationID)
	h.gateway.AssertExpectations(t)
}

func TestPayouts_SiblingsIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	method := domain.PhoneMethod("0712345678")

	ok := h.env.Tenant(t, "1000")
	flaky := h.env.Tenant(t, "1000")
	broke := h.env.Tenant(t, "1000")
	unconfigured := h.env.Tenant(t, "1000")
	for _, id := range []uuid.UUID{ok.ID, flaky.ID, broke.ID} {
		require.NoError(t, h.env.Tenants.UpsertConfig(ctx, &domain.TenantConfig{TenantID: id, PayoutMethod: &method}))
	}

	creator := new(MockPayoutCreator)
	creator.On("CreatePayout", mock.Anything, ok.ID, method).Return(&domain.DisbursementRequest{ID: uuid.New()}, nil)
	creator.On("CreatePayout", mock.Anything, flaky.ID, method).Return(nil, fmt.Errorf("connection reset"))
	creator.On("CreatePayout", mock.Anything, broke.ID, method).Return(nil, errors.ErrInsufficientFunds)

	payouts := worker.NewPayouts(h.configs, creator, h.env.Log)
	task := queue.NewTask(queue.KindPayoutBatch, uuid.New())
	task.TenantIDs = []uuid.UUID{flaky.ID, ok.ID, broke.ID, unconfigured.ID}

	err := payouts.Handle(ctx, task)
	require.Error(t, err)
	assert.Equal(t, []uuid.UUID{flaky.ID}, task.TenantIDs)
	creator.AssertNumberOfCalls(t, "CreatePayout", 3)
	creator.AssertExpectations(t)
}

func TestPool_UnknownKindIsAcked(t *testing.T) {
	h := newHarness(t)
	task := queue.NewTask(queue.Kind("mystery"), uuid.New())
	require.NoError(t, h.env.Queue.Enqueue(context.Background(), task, 0))

	assert.Equal(t, 1, h.drain(t))
	assert.Len(t, h.env.Queue.Acked(), 1)
	assert.True(t, h.env.Log.Has("error", "No handler for task kind"))
}

func TestPostings_DuplicateIsDone(t *testing.T) {
	h := newHarness(t)
	tn := h.env.Tenant(t, "0")
	postings := worker.NewPostings(h.env.Ledger, h.env.Log)

	p := ledger.Posting{
		TenantID:  tn.ID,
		Amount:    decimal.NewFromInt(50),
		Direction: domain.EntryCredit,
		Gateway:   domain.GatewayMpesa,
		Reference: "RCPT1",
	}
	task, err := queue.NewTask(queue.KindLedgerPost, uuid.New()).WithPayload(p)
	require.NoError(t, err)

	require.NoError(t, postings.Handle(context.Background(), task))
	require.NoError(t, postings.Handle(context.Background(), task))
	assert.Len(t, h.env.Transactions.Entries(tn.ID), 1)
	assert.True(t, h.env.Balance(t, tn.ID).Equal(decimal.NewFromInt(50)))
}
