package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency represents ISO 4217 currency codes
type Currency string

const (
	KES Currency = "KES" // Kenyan Shilling
)

// DefaultCurrency is applied when a request omits one.
const DefaultCurrency = KES

// Tenant is a merchant using the gateway, holding one wallet.
type Tenant struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	WalletBalance decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// TenantConfig holds per-tenant integration settings.
type TenantConfig struct {
	TenantID     uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	CallbackURL  *string        `json:"callback_url,omitempty" db:"callback_url"`
	PayoutMethod *PaymentMethod `json:"payout_method,omitempty" db:"payout_method"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// Channel is the disbursement route: person-to-phone or business-to-business.
type Channel string

const (
	ChannelPhone    Channel = "b2c"
	ChannelBusiness Channel = "b2b"
)

// PaymentMethodKind tags the PaymentMethod variant.
type PaymentMethodKind string

const (
	PaymentMethodPhone           PaymentMethodKind = "phone"
	PaymentMethodBusinessAccount PaymentMethodKind = "business_account"
)

// PaymentMethod is where a tenant's weekly payout goes. Exactly one of
// Phone or (Paybill, Account) is populated, according to Kind.
type PaymentMethod struct {
	Kind    PaymentMethodKind `json:"kind"`
	Phone   string            `json:"phone,omitempty"`
	Paybill string            `json:"paybill,omitempty"`
	Account string            `json:"account,omitempty"`
}

func PhoneMethod(phone string) PaymentMethod {
	return PaymentMethod{Kind: PaymentMethodPhone, Phone: phone}
}

func BusinessAccountMethod(paybill, account string) PaymentMethod {
	return PaymentMethod{Kind: PaymentMethodBusinessAccount, Paybill: paybill, Account: account}
}

var paybillPattern = regexp.MustCompile(`^\d{5,7}$`)

// Validate rejects malformed payout methods at configuration time.
func (m PaymentMethod) Validate() error {
	switch m.Kind {
	case PaymentMethodPhone:
		if m.Phone == "" || m.Paybill != "" || m.Account != "" {
			return errors.New("phone payout method needs a phone number only")
		}
	case PaymentMethodBusinessAccount:
		if m.Phone != "" {
			return errors.New("business payout method must not carry a phone number")
		}
		if !paybillPattern.MatchString(m.Paybill) {
			return errors.New("paybill must be 5 to 7 digits")
		}
		if m.Account == "" {
			return errors.New("business payout method needs an account")
		}
	default:
		return errors.New("unknown payout method kind")
	}
	return nil
}

// Channel maps the method to its disbursement channel.
func (m PaymentMethod) Channel() Channel {
	if m.Kind == PaymentMethodBusinessAccount {
		return ChannelBusiness
	}
	return ChannelPhone
}

func (m PaymentMethod) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *PaymentMethod) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

// BusinessAccount identifies a paybill and the account within it.
type BusinessAccount struct {
	Paybill string `json:"paybill" validate:"required,numeric,min=5,max=7"`
	Account string `json:"account" validate:"required,max=64"`
}

func (b BusinessAccount) Value() (driver.Value, error) {
	return json.Marshal(b)
}

func (b *BusinessAccount) Scan(value interface{}) error {
	raw, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(raw, b)
}

// RequestStatus is the lifecycle state shared by collections and disbursements.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusInitiated RequestStatus = "initiated"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CollectionRequest asks a customer's phone to pay into a tenant wallet.
type CollectionRequest struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	TenantID          uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	RequestReference  string          `json:"request_reference" db:"request_reference"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          Currency        `json:"currency" db:"currency"`
	PhoneNumber       string          `json:"phone_number" db:"phone_number"`
	Description       *string         `json:"description,omitempty" db:"description"`
	PaymentLinkID     *uuid.UUID      `json:"payment_link_id,omitempty" db:"payment_link_id"`
	CheckoutRequestID *string         `json:"checkout_request_id,omitempty" db:"checkout_request_id"`
	MerchantRequestID *string         `json:"merchant_request_id,omitempty" db:"merchant_request_id"`
	ReceiptNumber     *string         `json:"receipt_number,omitempty" db:"receipt_number"`
	Status            RequestStatus   `json:"status" db:"status"`
	Remarks           *string         `json:"remarks,omitempty" db:"remarks"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Linked reports whether the request came through a payment link.
func (c *CollectionRequest) Linked() bool { return c.PaymentLinkID != nil }

// DisbursementSource records who asked for the payout.
type DisbursementSource string

const (
	SourceAPI    DisbursementSource = "api"
	SourcePayout DisbursementSource = "payout"
)

// DisbursementRequest pays out of a tenant wallet to a phone or a paybill.
type DisbursementRequest struct {
	ID                       uuid.UUID          `json:"id" db:"id"`
	TenantID                 uuid.UUID          `json:"tenant_id" db:"tenant_id"`
	RequestReference         string             `json:"request_reference" db:"request_reference"`
	Amount                   decimal.Decimal    `json:"amount" db:"amount"`
	Fee                      decimal.Decimal    `json:"fee" db:"fee"`
	Currency                 Currency           `json:"currency" db:"currency"`
	PhoneNumber              *string            `json:"phone_number,omitempty" db:"phone_number"`
	BusinessAccount          *BusinessAccount   `json:"business_account,omitempty" db:"business_account"`
	Remarks                  *string            `json:"remarks,omitempty" db:"remarks"`
	Source                   DisbursementSource `json:"source" db:"source"`
	ConversationID           *string            `json:"conversation_id,omitempty" db:"conversation_id"`
	OriginatorConversationID *string            `json:"originator_conversation_id,omitempty" db:"originator_conversation_id"`
	ProviderTransactionID    *string            `json:"provider_transaction_id,omitempty" db:"provider_transaction_id"`
	Status                   RequestStatus      `json:"status" db:"status"`
	CreatedAt                time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at" db:"updated_at"`
}

// Channel is B2B when a business account is set, B2C otherwise.
func (d *DisbursementRequest) Channel() Channel {
	if d.BusinessAccount != nil {
		return ChannelBusiness
	}
	return ChannelPhone
}

// Total is what the wallet is held for: amount plus fee.
func (d *DisbursementRequest) Total() decimal.Decimal {
	return d.Amount.Add(d.Fee)
}

// StatusChange is the set of columns a transition may write alongside status.
// Nil fields are left untouched.
type StatusChange struct {
	To                       RequestStatus
	CheckoutRequestID        *string
	MerchantRequestID        *string
	ReceiptNumber            *string
	ConversationID           *string
	OriginatorConversationID *string
	ProviderTransactionID    *string
	Remarks                  *string
}

// EntryType is the direction of a ledger movement.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// Gateway names the rail a ledger posting came from.
const (
	GatewayMpesa    = "mpesa"
	GatewayInternal = "internal"
)

// Transaction is one wallet movement.
type Transaction struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Reference     string          `json:"reference" db:"reference"`
	TenantID      uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	AccountNo     *string         `json:"account_no,omitempty" db:"account_no"`
	Gateway       string          `json:"gateway" db:"gateway"`
	Type          EntryType       `json:"type" db:"type"`
	Status        string          `json:"status" db:"status"`
	PaymentLinkID *uuid.UUID      `json:"payment_link_id,omitempty" db:"payment_link_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// LedgerEntry records the wallet balance right after a Transaction.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Seq           int64           `json:"-" db:"seq"`
	TenantID      uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	TransactionID uuid.UUID       `json:"transaction_id" db:"transaction_id"`
	Gateway       string          `json:"gateway" db:"gateway"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	Type          EntryType       `json:"type" db:"type"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PaymentLinkStatus tracks whether a link can still be paid.
type PaymentLinkStatus string

const (
	LinkOpen PaymentLinkStatus = "open"
	LinkPaid PaymentLinkStatus = "paid"
)

// PaymentLink is a shareable pay page backed by a collection.
type PaymentLink struct {
	ID          uuid.UUID         `json:"id" db:"id"`
	TenantID    uuid.UUID         `json:"tenant_id" db:"tenant_id"`
	Token       string            `json:"token" db:"token"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Currency    Currency          `json:"currency" db:"currency"`
	Description *string           `json:"description,omitempty" db:"description"`
	Status      PaymentLinkStatus `json:"status" db:"status"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// APIKey authenticates a tenant's server-to-server calls. Only the SHA-256
// of the key is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	TenantID   uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Name       string     `json:"name" db:"name"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	KeyHash    string     `json:"-" db:"key_hash"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
