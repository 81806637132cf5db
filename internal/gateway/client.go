// Package gateway talks to the M-Pesa API: OAuth token, STK push for
// collections and B2C/B2B payment requests for disbursements.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"paygate/internal/domain"
	"paygate/internal/metrics"
	"paygate/pkg/config"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

const (
	tokenPath       = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath     = "/mpesa/stkpush/v1/processrequest"
	b2cPath         = "/mpesa/b2c/v3/paymentrequest"
	b2bPath         = "/mpesa/b2b/v1/paymentrequest"
	timestampLayout = "20060102150405"
	accepted        = "0"
)

type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	Timeout            time.Duration
}

// ConfigFrom builds the client config, encrypting the initiator password
// when no precomputed security credential is configured.
func ConfigFrom(c config.MpesaConfig) (Config, error) {
	cred := c.SecurityCredential
	if cred == "" && c.InitiatorPassword != "" && c.CertificatePath != "" {
		var err error
		cred, err = LoadCredential(c.CertificatePath, c.InitiatorPassword)
		if err != nil {
			return Config{}, err
		}
	}
	return Config{
		BaseURL:            c.BaseURL,
		ConsumerKey:        c.ConsumerKey,
		ConsumerSecret:     c.ConsumerSecret,
		ShortCode:          c.ShortCode,
		PassKey:            c.PassKey,
		InitiatorName:      c.InitiatorName,
		SecurityCredential: cred,
		CallbackBaseURL:    c.CallbackBaseURL,
		Timeout:            c.Timeout,
	}, nil
}

// CollectionAck is the provider's synchronous answer to an STK push.
type CollectionAck struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// DisbursementAck is the provider's synchronous answer to a B2C/B2B request.
type DisbursementAck struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log,
		now:    time.Now,
	}
	c.resetToken()
	return c
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.tokens = oauth2.ReuseTokenSource(nil, &credentialsSource{c: c})
	c.mu.Unlock()
}

// AuthToken returns a bearer token, fetching a new one only when the
// cached token has expired or was invalidated.
func (c *Client) AuthToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	src := c.tokens
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		var gwErr *errors.GatewayError
		if errors.As(err, &gwErr) {
			return "", gwErr
		}
		return "", &errors.GatewayError{Op: "auth", Transient: true, Err: err}
	}
	return tok.AccessToken, nil
}

// credentialsSource fetches tokens with the consumer key and secret over
// HTTP basic auth.
type credentialsSource struct {
	c *Client
}

func (s *credentialsSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return nil, &errors.GatewayError{Op: "auth", Err: err}
	}
	req.SetBasicAuth(s.c.cfg.ConsumerKey, s.c.cfg.ConsumerSecret)

	resp, err := s.c.http.Do(req)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues("auth", "network_error").Inc()
		return nil, &errors.GatewayError{Op: "auth", Transient: true, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		metrics.GatewayCalls.WithLabelValues("auth", strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &errors.GatewayError{
			Op:         "auth",
			StatusCode: resp.StatusCode,
			Transient:  true,
			Message:    string(body),
		}
	}

	var out struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		return nil, &errors.GatewayError{Op: "auth", Transient: true, Message: "malformed token response"}
	}
	metrics.GatewayCalls.WithLabelValues("auth", "ok").Inc()

	ttl, err := out.ExpiresIn.Int64()
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	return &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   "Bearer",
		Expiry:      s.c.now().Add(time.Duration(ttl) * time.Second),
	}, nil
}

// Password is base64(shortcode + passkey + timestamp).
func (c *Client) Password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + timestamp))
}

// CollectionCallbackURL is where the provider reports the STK outcome.
func (c *Client) CollectionCallbackURL(r *domain.CollectionRequest) string {
	return fmt.Sprintf("%s/payment/mpesa/call_back/%s/%s", c.cfg.CallbackBaseURL, r.TenantID, r.ID)
}

// DisbursementCallbackURL is where the provider reports a payout result.
func (c *Client) DisbursementCallbackURL(r *domain.DisbursementRequest, kind string) string {
	return fmt.Sprintf("%s/payment/mpesa/disburse_call_back/%s/%s/%s", c.cfg.CallbackBaseURL, r.TenantID, r.ID, kind)
}

// InitiateCollection sends an STK push to the request's phone, which must
// already be normalized.
func (c *Client) InitiateCollection(ctx context.Context, r *domain.CollectionRequest) (*CollectionAck, error) {
	ts := c.now().Format(timestampLayout)
	desc := "Wallet Funding"
	if r.Description != nil && *r.Description != "" {
		desc = *r.Description
	}
	payload := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.Password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            r.Amount.Truncate(0).String(),
		"PartyA":            r.PhoneNumber,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       r.PhoneNumber,
		"CallBackURL":       c.CollectionCallbackURL(r),
		"AccountReference":  r.RequestReference,
		"TransactionDesc":   desc,
	}

	var ack CollectionAck
	if err := c.post(ctx, "stk_push", stkPushPath, payload, &ack); err != nil {
		return nil, err
	}
	if ack.ResponseCode != accepted {
		return nil, &errors.GatewayError{Op: "stk_push", Message: ack.ResponseDescription}
	}
	return &ack, nil
}

// InitiateDisbursement sends a B2C payment for phone payouts or a B2B
// paybill payment for business payouts.
func (c *Client) InitiateDisbursement(ctx context.Context, r *domain.DisbursementRequest) (*DisbursementAck, error) {
	remarks := "Payout"
	if r.Remarks != nil && *r.Remarks != "" {
		remarks = *r.Remarks
	}

	var (
		op, path string
		payload  map[string]string
	)
	switch r.Channel() {
	case domain.ChannelBusiness:
		op, path = "b2b", b2bPath
		payload = map[string]string{
			"Initiator":              c.cfg.InitiatorName,
			"SecurityCredential":     c.cfg.SecurityCredential,
			"CommandID":              "BusinessPayBill",
			"SenderIdentifierType":   "4",
			"RecieverIdentifierType": "4",
			"Amount":                 r.Amount.Truncate(0).String(),
			"PartyA":                 c.cfg.ShortCode,
			"PartyB":                 r.BusinessAccount.Paybill,
			"AccountReference":       r.BusinessAccount.Account,
			"Remarks":                remarks,
			"QueueTimeOutURL":        c.DisbursementCallbackURL(r, "timeout"),
			"ResultURL":              c.DisbursementCallbackURL(r, "result"),
		}
	default:
		if r.PhoneNumber == nil {
			return nil, errors.NewValidation("phone_number", "is required")
		}
		op, path = "b2c", b2cPath
		payload = map[string]string{
			"OriginatorConversationID": r.ID.String(),
			"InitiatorName":            c.cfg.InitiatorName,
			"SecurityCredential":       c.cfg.SecurityCredential,
			"CommandID":                "BusinessPayment",
			"Amount":                   r.Amount.Truncate(0).String(),
			"PartyA":                   c.cfg.ShortCode,
			"PartyB":                   *r.PhoneNumber,
			"Remarks":                  remarks,
			"QueueTimeOutURL":          c.DisbursementCallbackURL(r, "timeout"),
			"ResultURL":                c.DisbursementCallbackURL(r, "result"),
			"Occasion":                 r.RequestReference,
		}
	}

	var ack DisbursementAck
	if err := c.post(ctx, op, path, payload, &ack); err != nil {
		return nil, err
	}
	if ack.ResponseCode != accepted {
		return nil, &errors.GatewayError{Op: op, Message: ack.ResponseDescription}
	}
	return &ack, nil
}

// post sends an authenticated JSON request. Network failures, 429 and 5xx
// are transient; other 4xx are permanent. A 401 also drops the cached token.
func (c *Client) post(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	token, err := c.AuthToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &errors.GatewayError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &errors.GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "network_error").Inc()
		return &errors.GatewayError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.logger.Debug("gateway call finished", map[string]interface{}{
		"op":          op,
		"status":      resp.StatusCode,
		"duration_ms": c.now().Sub(start).Milliseconds(),
	})

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.resetToken()
		metrics.GatewayCalls.WithLabelValues(op, "401").Inc()
		return &errors.GatewayError{Op: op, StatusCode: resp.StatusCode, Transient: true, Message: "access token rejected"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.GatewayCalls.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		return &errors.GatewayError{Op: op, StatusCode: resp.StatusCode, Transient: true, Message: string(raw)}
	case resp.StatusCode >= 400:
		metrics.GatewayCalls.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		return &errors.GatewayError{Op: op, StatusCode: resp.StatusCode, Message: providerMessage(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "malformed").Inc()
		return &errors.GatewayError{Op: op, StatusCode: resp.StatusCode, Transient: true, Message: "malformed response body"}
	}
	metrics.GatewayCalls.WithLabelValues(op, "ok").Inc()
	return nil
}

// providerMessage pulls errorMessage out of a provider error body.
func providerMessage(raw []byte) string {
	var body struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if json.Unmarshal(raw, &body) == nil && body.ErrorMessage != "" {
		return body.ErrorMessage
	}
	return string(raw)
}
