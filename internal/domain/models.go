// Package domain re-exports core domain types so internal code can import
// `paygate/internal/domain` while using definitions from `paygate/pkg/domain`.
package domain

import pkg "paygate/pkg/domain"

type Currency = pkg.Currency

// Tenant is a merchant wallet owner.
type Tenant = pkg.Tenant

type TenantConfig = pkg.TenantConfig

type Channel = pkg.Channel

type PaymentMethod = pkg.PaymentMethod

type PaymentMethodKind = pkg.PaymentMethodKind

type BusinessAccount = pkg.BusinessAccount

// RequestStatus is the lifecycle state of collections and disbursements.
type RequestStatus = pkg.RequestStatus

type CollectionRequest = pkg.CollectionRequest

type DisbursementRequest = pkg.DisbursementRequest

type DisbursementSource = pkg.DisbursementSource

type StatusChange = pkg.StatusChange

type EntryType = pkg.EntryType

// Transaction represents a wallet movement.
type Transaction = pkg.Transaction

type LedgerEntry = pkg.LedgerEntry

type PaymentLink = pkg.PaymentLink

type PaymentLinkStatus = pkg.PaymentLinkStatus

const (
	KES             = pkg.KES
	DefaultCurrency = pkg.DefaultCurrency
)

const (
	ChannelPhone    = pkg.ChannelPhone
	ChannelBusiness = pkg.ChannelBusiness
)

const (
	PaymentMethodPhone           = pkg.PaymentMethodPhone
	PaymentMethodBusinessAccount = pkg.PaymentMethodBusinessAccount
)

// Re-exported request statuses.
const (
	StatusPending   = pkg.StatusPending
	StatusInitiated = pkg.StatusInitiated
	StatusCompleted = pkg.StatusCompleted
	StatusFailed    = pkg.StatusFailed
)

const (
	SourceAPI    = pkg.SourceAPI
	SourcePayout = pkg.SourcePayout
)

const (
	EntryCredit = pkg.EntryCredit
	EntryDebit  = pkg.EntryDebit
)

const (
	GatewayMpesa    = pkg.GatewayMpesa
	GatewayInternal = pkg.GatewayInternal
)

const (
	LinkOpen = pkg.LinkOpen
	LinkPaid = pkg.LinkPaid
)

var (
	PhoneMethod           = pkg.PhoneMethod
	BusinessAccountMethod = pkg.BusinessAccountMethod
)

type APIKey = pkg.APIKey
