package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0712345678", "254712345678", true},
		{"0112345678", "254112345678", true},
		{"254712345678", "254712345678", true},
		{"+254 712-345-678", "254712345678", true},
		{"(0712) 345 678", "254712345678", true},
		{"0812345678", "", false},
		{"25471234567", "", false},
		{"12345", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if !tt.ok {
			assert.ErrorIs(t, err, errors.ErrInvalidPhone, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

type fakeProvider struct {
	*httptest.Server
	tokenCalls atomic.Int32
	stkStatus  int
	stkBody    string
	lastSTK    map[string]string
	lastB2X    map[string]string
	lastPath   string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{stkStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.tokenCalls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":"3599"}`))
	})
	mux.HandleFunc(stkPushPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&p.lastSTK)
		w.WriteHeader(p.stkStatus)
		if p.stkBody != "" {
			_, _ = w.Write([]byte(p.stkBody))
			return
		}
		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success"}`))
	})
	b2x := func(w http.ResponseWriter, r *http.Request) {
		p.lastPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&p.lastB2X)
		_, _ = w.Write([]byte(`{"ConversationID":"AG_1","OriginatorConversationID":"oc-1","ResponseCode":"0","ResponseDescription":"Accept the service request successfully."}`))
	}
	mux.HandleFunc(b2cPath, b2x)
	mux.HandleFunc(b2bPath, b2x)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func newTestClient(p *fakeProvider) *Client {
	c := NewClient(Config{
		BaseURL:            p.URL,
		ConsumerKey:        "key",
		ConsumerSecret:     "secret",
		ShortCode:          "174379",
		PassKey:            "passkey",
		InitiatorName:      "api-op",
		SecurityCredential: "cred",
		CallbackBaseURL:    "https://gw.example.com",
		Timeout:            2 * time.Second,
	}, logger.NewNop())
	c.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return c
}

func collection() *domain.CollectionRequest {
	return &domain.CollectionRequest{
		ID:               uuid.New(),
		TenantID:         uuid.New(),
		RequestReference: "R1",
		Amount:           decimal.NewFromInt(500),
		PhoneNumber:      "254712345678",
		Status:           domain.StatusPending,
	}
}

func TestInitiateCollection_Payload(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(p)
	req := collection()

	ack, err := c.InitiateCollection(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", ack.CheckoutRequestID)

	want := base64.StdEncoding.EncodeToString([]byte("174379passkey20240301093000"))
	assert.Equal(t, want, p.lastSTK["Password"])
	assert.Equal(t, "20240301093000", p.lastSTK["Timestamp"])
	assert.Equal(t, "CustomerPayBillOnline", p.lastSTK["TransactionType"])
	assert.Equal(t, "500", p.lastSTK["Amount"])
	assert.Equal(t, "254712345678", p.lastSTK["PartyA"])
	assert.Equal(t, "174379", p.lastSTK["PartyB"])
	assert.Equal(t, "R1", p.lastSTK["AccountReference"])
	assert.Equal(t,
		"https://gw.example.com/payment/mpesa/call_back/"+req.TenantID.String()+"/"+req.ID.String(),
		p.lastSTK["CallBackURL"])
}

func TestAuthToken_IsReused(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(p)
	c.now = time.Now

	for i := 0; i < 3; i++ {
		_, err := c.InitiateCollection(context.Background(), collection())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, p.tokenCalls.Load())
}

func TestInitiateCollection_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusServiceUnavailable, `oops`, true},
		{"throttled", http.StatusTooManyRequests, `{}`, true},
		{"bad request", http.StatusBadRequest, `{"errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`, false},
		{"malformed json", http.StatusOK, `{not json`, true},
		{"rejected by provider", http.StatusOK, `{"ResponseCode":"1","ResponseDescription":"rejected"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(t)
			p.stkStatus, p.stkBody = tt.status, tt.body
			c := newTestClient(p)
			c.now = time.Now

			_, err := c.InitiateCollection(context.Background(), collection())
			require.Error(t, err)
			var gw *errors.GatewayError
			require.ErrorAs(t, err, &gw)
			assert.Equal(t, tt.transient, gw.Transient)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
		})
	}
}

func TestInitiateCollection_NetworkFailureIsTransient(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(p)
	c.now = time.Now
	_, err := c.AuthToken(context.Background())
	require.NoError(t, err)
	p.Close()

	_, err = c.InitiateCollection(context.Background(), collection())
	assert.True(t, errors.IsTransient(err))
}

func TestAuthToken_BadCredentials(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(p)
	c.cfg.ConsumerSecret = "wrong"

	_, err := c.AuthToken(context.Background())
	var gw *errors.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, "auth", gw.Op)
	assert.Equal(t, http.StatusUnauthorized, gw.StatusCode)
}

func TestInitiateDisbursement_Channels(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(p)
	phone := "254712345678"

	d := &domain.DisbursementRequest{
		ID: uuid.New(), TenantID: uuid.New(), RequestReference: "D1",
		Amount: decimal.NewFromInt(1000), PhoneNumber: &phone,
	}
	ack, err := c.InitiateDisbursement(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "AG_1", ack.ConversationID)
	assert.Equal(t, b2cPath, p.lastPath)
	assert.Equal(t, "BusinessPayment", p.lastB2X["CommandID"])
	assert.Equal(t, phone, p.lastB2X["PartyB"])
	assert.Equal(t, "cred", p.lastB2X["SecurityCredential"])

	d = &domain.DisbursementRequest{
		ID: uuid.New(), TenantID: uuid.New(), RequestReference: "D2",
		Amount:          decimal.NewFromInt(9885),
		BusinessAccount: &domain.BusinessAccount{Paybill: "888880", Account: "ACC-9"},
	}
	_, err = c.InitiateDisbursement(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, b2bPath, p.lastPath)
	assert.Equal(t, "BusinessPayBill", p.lastB2X["CommandID"])
	assert.Equal(t, "888880", p.lastB2X["PartyB"])
	assert.Equal(t, "ACC-9", p.lastB2X["AccountReference"])
	assert.Equal(t, "9885", p.lastB2X["Amount"])
}

func TestEncryptCredential(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "provider"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	cred, err := EncryptCredential(certPEM, "s3cret")
	require.NoError(t, err)

	sealed, err := base64.StdEncoding.DecodeString(cred)
	require.NoError(t, err)
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(plain))

	_, err = EncryptCredential([]byte("not pem"), "x")
	assert.Error(t, err)
}
