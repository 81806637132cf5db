package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// code is a provider result code. The provider sends it as a number on
// the collection callback and as either a number or a string elsewhere.
type code int

func (c *code) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 {
		return fmt.Errorf("empty result code")
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("result code %q: %w", b, err)
	}
	*c = code(n)
	return nil
}

// value is a loosely typed metadata value.
type value json.RawMessage

func (v *value) UnmarshalJSON(b []byte) error {
	*v = append((*v)[0:0], b...)
	return nil
}

func (v value) String() string {
	s := strings.TrimSpace(string(v))
	if s == "null" {
		return ""
	}
	var str string
	if json.Unmarshal([]byte(s), &str) == nil {
		return str
	}
	return s
}

func (v value) Decimal() (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(v.String())
	return d, err == nil
}

// STKCallback is the body the provider posts once a payment prompt ends.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *code  `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value value  `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CollectionResult is the part of an STKCallback the reconciler acts on.
type CollectionResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            decimal.Decimal
	ReceiptNumber     string
	PhoneNumber       string
	TransactionDate   string
}

// ParseCollection decodes an STK callback body.
func ParseCollection(body []byte) (*CollectionResult, error) {
	var msg STKCallback
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("malformed callback: %w", err)
	}
	stk := msg.Body.StkCallback
	if stk.ResultCode == nil {
		return nil, fmt.Errorf("malformed callback: missing ResultCode")
	}

	res := &CollectionResult{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        int(*stk.ResultCode),
		ResultDesc:        stk.ResultDesc,
	}
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if d, ok := item.Value.Decimal(); ok {
				res.Amount = d
			}
		case "MpesaReceiptNumber":
			res.ReceiptNumber = item.Value.String()
		case "PhoneNumber":
			res.PhoneNumber = item.Value.String()
		case "TransactionDate":
			res.TransactionDate = item.Value.String()
		}
	}
	return res, nil
}

// B2CResult is the body the provider posts to a disbursement result or
// timeout URL.
type B2CResult struct {
	Result struct {
		ResultType               *code  `json:"ResultType"`
		ResultCode               *code  `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []struct {
				Key   string `json:"Key"`
				Value value  `json:"Value"`
			} `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// DisbursementResult is the part of a B2CResult the reconciler acts on.
type DisbursementResult struct {
	ResultCode               int
	ResultDesc               string
	ConversationID           string
	OriginatorConversationID string
	TransactionID            string
	Amount                   decimal.Decimal
	Receiver                 string
}

// ParseDisbursement decodes a disbursement result body.
func ParseDisbursement(body []byte) (*DisbursementResult, error) {
	var msg B2CResult
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("malformed result: %w", err)
	}
	r := msg.Result
	if r.ResultCode == nil {
		return nil, fmt.Errorf("malformed result: missing ResultCode")
	}
	res := &DisbursementResult{
		ResultCode:               int(*r.ResultCode),
		ResultDesc:               r.ResultDesc,
		ConversationID:           r.ConversationID,
		OriginatorConversationID: r.OriginatorConversationID,
		TransactionID:            r.TransactionID,
	}
	for _, p := range r.ResultParameters.ResultParameter {
		switch p.Key {
		case "TransactionAmount", "Amount":
			if d, ok := p.Value.Decimal(); ok {
				res.Amount = d
			}
		case "ReceiverPartyPublicName", "CreditPartyName":
			res.Receiver = p.Value.String()
		}
	}
	return res, nil
}
