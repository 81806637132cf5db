// Package payment owns the request lifecycle: creating collections and
// disbursements, answering status lookups, and moving requests through
// the state machine with the side effects each transition owes.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/internal/notification"
	"paygate/internal/queue"
	"paygate/internal/ratelimit"
	"paygate/internal/tariff"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
	"paygate/pkg/validator"
)

type CollectionRepository interface {
	Create(ctx context.Context, c *domain.CollectionRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.CollectionRequest, error)
	FindByReference(ctx context.Context, reference string) (*domain.CollectionRequest, error)
	ExistsByReference(ctx context.Context, reference string) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []domain.RequestStatus, change domain.StatusChange) (bool, error)
}

type DisbursementRepository interface {
	Create(ctx context.Context, d *domain.DisbursementRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.DisbursementRequest, error)
	FindByReference(ctx context.Context, reference string) (*domain.DisbursementRequest, error)
	ExistsByReference(ctx context.Context, reference string) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []domain.RequestStatus, change domain.StatusChange) (bool, error)
}

type TenantRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
}

type PaymentLinkRepository interface {
	Create(ctx context.Context, link *domain.PaymentLink) error
	FindByToken(ctx context.Context, token string) (*domain.PaymentLink, error)
	MarkPaid(ctx context.Context, id uuid.UUID) error
}

// Ledger posts wallet movements.
type Ledger interface {
	Credit(ctx context.Context, p ledger.Posting) (*ledger.Result, error)
	Debit(ctx context.Context, p ledger.Posting) (*ledger.Result, error)
}

// Enqueuer hands work to the background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *queue.Task, delay time.Duration) error
}

// Publisher pushes a final status to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, p *notification.Payload) error
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Collections   CollectionRepository
	Disbursements DisbursementRepository
	Tenants       TenantRepository
	Links         PaymentLinkRepository
	Ledger        Ledger
	Queue         Enqueuer
	Live          Publisher
	Limiter       ratelimit.Limiter
	Validator     *validator.Validator
	Logger        logger.Logger
}

type Service struct {
	collections   CollectionRepository
	disbursements DisbursementRepository
	tenants       TenantRepository
	links         PaymentLinkRepository
	ledger        Ledger
	queue         Enqueuer
	live          Publisher
	limiter       ratelimit.Limiter
	validator     *validator.Validator
	logger        logger.Logger
	now           func() time.Time
}

func NewService(d Deps) *Service {
	v := d.Validator
	if v == nil {
		v = validator.New()
	}
	return &Service{
		collections:   d.Collections,
		disbursements: d.Disbursements,
		tenants:       d.Tenants,
		links:         d.Links,
		ledger:        d.Ledger,
		queue:         d.Queue,
		live:          d.Live,
		limiter:       d.Limiter,
		validator:     v,
		logger:        d.Logger,
		now:           time.Now,
	}
}

// CollectionInput is the body of a collection request.
type CollectionInput struct {
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0,whole"`
	Currency    domain.Currency `json:"currency" validate:"omitempty,oneof=KES"`
	Reference   string          `json:"request_ref" validate:"required,max=64,reference"`
	Phone       string          `json:"mpesa_number" validate:"required,max=20"`
	Description *string         `json:"description,omitempty" validate:"omitempty,max=255"`
}

// DisbursementInput is the body of a disbursement request. Exactly one of
// Phone and BusinessAccount must be set.
type DisbursementInput struct {
	Amount          decimal.Decimal         `json:"amount" validate:"required,gt=0,whole"`
	Currency        domain.Currency         `json:"currency" validate:"omitempty,oneof=KES"`
	Reference       string                  `json:"request_ref" validate:"required,max=64,reference"`
	Phone           *string                 `json:"mpesa_number,omitempty" validate:"omitempty,max=20"`
	BusinessAccount *domain.BusinessAccount `json:"b2b_account,omitempty"`
	Remarks         *string                 `json:"remarks,omitempty" validate:"omitempty,max=255"`
}

// PaymentLinkInput is the body of a payment link.
type PaymentLinkInput struct {
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0,whole"`
	Currency    domain.Currency `json:"currency" validate:"omitempty,oneof=KES"`
	Description *string         `json:"description,omitempty" validate:"omitempty,max=255"`
}

// CreateCollection records a pending collection and queues its initiation.
// The phone number is normalized by the initiating worker, which fails
// the request if it cannot be.
func (s *Service) CreateCollection(ctx context.Context, tenantID uuid.UUID, in CollectionInput) (*domain.CollectionRequest, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}
	if _, err := s.tenants.FindByID(ctx, tenantID); err != nil {
		return nil, err
	}

	ref := strings.TrimSpace(in.Reference)
	exists, err := s.collections.ExistsByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.ErrDuplicateReference
	}

	now := s.now().UTC()
	c := &domain.CollectionRequest{
		ID:               uuid.New(),
		TenantID:         tenantID,
		RequestReference: ref,
		Amount:           in.Amount,
		Currency:         currencyOrDefault(in.Currency),
		PhoneNumber:      strings.TrimSpace(in.Phone),
		Description:      in.Description,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.collections.Create(ctx, c); err != nil {
		return nil, err
	}

	s.enqueue(ctx, queue.NewTask(queue.KindInitiateCollection, c.ID), c.TenantID)
	s.logger.Info("Collection request created", map[string]interface{}{
		"request_id": c.ID,
		"tenant_id":  c.TenantID,
		"reference":  c.RequestReference,
		"amount":     c.Amount.String(),
	})
	return c, nil
}

// CreatePaymentLink opens a shareable link paying amount into the tenant.
func (s *Service) CreatePaymentLink(ctx context.Context, tenantID uuid.UUID, in PaymentLinkInput) (*domain.PaymentLink, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}
	if _, err := s.tenants.FindByID(ctx, tenantID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	link := &domain.PaymentLink{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Token:       shortHex(),
		Amount:      in.Amount,
		Currency:    currencyOrDefault(in.Currency),
		Description: in.Description,
		Status:      domain.LinkOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.links.Create(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// CreateLinkCollection starts a collection for an open payment link,
// paid from phone.
func (s *Service) CreateLinkCollection(ctx context.Context, token, phone string) (*domain.CollectionRequest, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, errors.NewValidation("mpesa_number", "is required")
	}
	link, err := s.links.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if link.Status != domain.LinkOpen {
		return nil, errors.ErrPaymentLinkClosed
	}
	if !link.Amount.IsPositive() {
		return nil, errors.NewValidation("amount", "must be greater than 0")
	}

	now := s.now().UTC()
	linkID := link.ID
	c := &domain.CollectionRequest{
		ID:               uuid.New(),
		TenantID:         link.TenantID,
		RequestReference: shortHex(),
		Amount:           link.Amount,
		Currency:         currencyOrDefault(link.Currency),
		PhoneNumber:      phone,
		Description:      link.Description,
		PaymentLinkID:    &linkID,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.collections.Create(ctx, c); err != nil {
		return nil, err
	}
	s.enqueue(ctx, queue.NewTask(queue.KindInitiateCollection, c.ID), c.TenantID)
	return c, nil
}

// CreateDisbursement holds amount + fee on the wallet, records a pending
// disbursement and queues its initiation.
func (s *Service) CreateDisbursement(ctx context.Context, tenantID uuid.UUID, in DisbursementInput) (*domain.DisbursementRequest, error) {
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}
	hasPhone := in.Phone != nil && strings.TrimSpace(*in.Phone) != ""
	if hasPhone == (in.BusinessAccount != nil) {
		return nil, errors.NewValidation("mpesa_number", "exactly one of mpesa_number or b2b_account is required")
	}

	now := s.now().UTC()
	d := &domain.DisbursementRequest{
		ID:               uuid.New(),
		TenantID:         tenantID,
		RequestReference: strings.TrimSpace(in.Reference),
		Amount:           in.Amount,
		Currency:         currencyOrDefault(in.Currency),
		Remarks:          in.Remarks,
		Source:           domain.SourceAPI,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if hasPhone {
		p := strings.TrimSpace(*in.Phone)
		d.PhoneNumber = &p
	} else {
		ba := *in.BusinessAccount
		d.BusinessAccount = &ba
	}

	fee, err := tariff.Fee(d.Amount, d.Channel())
	if err != nil {
		return nil, errors.NewValidation("amount", fmt.Sprintf("is outside the %s tariff range", d.Channel()))
	}
	d.Fee = fee

	if _, err := s.tenants.FindByID(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := s.openDisbursement(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// CreatePayout opens the periodic payout of a tenant's wallet to method.
// The payout is the balance less the channel fee, capped at the largest
// amount the channel carries. One payout per tenant per ISO week.
func (s *Service) CreatePayout(ctx context.Context, tenantID uuid.UUID, method domain.PaymentMethod) (*domain.DisbursementRequest, error) {
	if err := method.Validate(); err != nil {
		return nil, errors.NewValidation("payout_method", err.Error())
	}
	t, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ch := method.Channel()
	gross := decimal.Min(t.WalletBalance, tariff.MaxAmount(ch)).Truncate(0)
	if !gross.IsPositive() {
		return nil, errors.Wrap(errors.ErrInsufficientFunds, "wallet is empty")
	}
	fee, err := tariff.Fee(gross, ch)
	if err != nil {
		return nil, err
	}
	amount := gross.Sub(fee)
	if !amount.IsPositive() {
		return nil, errors.Wrap(errors.ErrInsufficientFunds, "balance does not cover the payout fee")
	}

	now := s.now().UTC()
	year, week := now.ISOWeek()
	d := &domain.DisbursementRequest{
		ID:               uuid.New(),
		TenantID:         tenantID,
		RequestReference: fmt.Sprintf("payout-%s-%dW%02d", strings.ReplaceAll(tenantID.String(), "-", ""), year, week),
		Amount:           amount,
		Fee:              fee,
		Currency:         domain.DefaultCurrency,
		Source:           domain.SourcePayout,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if method.Kind == domain.PaymentMethodPhone {
		p := method.Phone
		d.PhoneNumber = &p
	} else {
		d.BusinessAccount = &domain.BusinessAccount{Paybill: method.Paybill, Account: method.Account}
	}

	if err := s.openDisbursement(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) openDisbursement(ctx context.Context, d *domain.DisbursementRequest) error {
	exists, err := s.disbursements.ExistsByReference(ctx, d.RequestReference)
	if err != nil {
		return err
	}
	if exists {
		return errors.ErrDuplicateReference
	}

	hold := ledger.Posting{
		TenantID:  d.TenantID,
		Amount:    d.Total(),
		Gateway:   domain.GatewayMpesa,
		Reference: "dsb-" + d.ID.String(),
		AccountNo: disbursementAccount(d),
	}
	if _, err := s.ledger.Debit(ctx, hold); err != nil {
		return err
	}

	if err := s.disbursements.Create(ctx, d); err != nil {
		release := hold
		release.Reference = "rvs-" + d.ID.String()
		if _, rerr := s.ledger.Credit(ctx, release); rerr != nil {
			s.logger.Error("Failed to release disbursement hold", map[string]interface{}{
				"request_id": d.ID,
				"tenant_id":  d.TenantID,
				"amount":     hold.Amount.String(),
				"error":      rerr.Error(),
			})
		}
		return err
	}

	s.enqueue(ctx, queue.NewTask(queue.KindInitiateDisbursement, d.ID), d.TenantID)
	s.logger.Info("Disbursement request created", map[string]interface{}{
		"request_id": d.ID,
		"tenant_id":  d.TenantID,
		"reference":  d.RequestReference,
		"amount":     d.Amount.String(),
		"fee":        d.Fee.String(),
		"source":     d.Source,
	})
	return nil
}

// CollectionStatus looks up one of the tenant's collections by id or
// reference. caller identifies who is polling; each caller may look a
// given identifier up once per poll window.
func (s *Service) CollectionStatus(ctx context.Context, tenantID uuid.UUID, caller, identifier string) (*domain.CollectionRequest, error) {
	if err := s.checkPoll(ctx, caller, identifier); err != nil {
		return nil, err
	}
	c, err := s.findCollection(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, errors.ErrCollectionNotFound
	}
	return c, nil
}

// DisbursementStatus is CollectionStatus for disbursements.
func (s *Service) DisbursementStatus(ctx context.Context, tenantID uuid.UUID, caller, identifier string) (*domain.DisbursementRequest, error) {
	if err := s.checkPoll(ctx, caller, identifier); err != nil {
		return nil, err
	}
	d, err := s.findDisbursement(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if d.TenantID != tenantID {
		return nil, errors.ErrDisbursementNotFound
	}
	return d, nil
}

func (s *Service) checkPoll(ctx context.Context, caller, identifier string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, caller, identifier)
	if err != nil {
		// Polling stays available when the limiter store is down.
		s.logger.Warn("Poll limiter unavailable", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if !ok {
		return errors.ErrRateLimited
	}
	return nil
}

func (s *Service) findCollection(ctx context.Context, identifier string) (*domain.CollectionRequest, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		c, err := s.collections.FindByID(ctx, id)
		if !errors.Is(err, errors.ErrCollectionNotFound) {
			return c, err
		}
	}
	return s.collections.FindByReference(ctx, identifier)
}

func (s *Service) findDisbursement(ctx context.Context, identifier string) (*domain.DisbursementRequest, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		d, err := s.disbursements.FindByID(ctx, id)
		if !errors.Is(err, errors.ErrDisbursementNotFound) {
			return d, err
		}
	}
	return s.disbursements.FindByReference(ctx, identifier)
}

// FindCollection and FindDisbursement load a request without poll limits,
// for internal callers.
func (s *Service) FindCollection(ctx context.Context, id uuid.UUID) (*domain.CollectionRequest, error) {
	return s.collections.FindByID(ctx, id)
}

func (s *Service) FindDisbursement(ctx context.Context, id uuid.UUID) (*domain.DisbursementRequest, error) {
	return s.disbursements.FindByID(ctx, id)
}

func (s *Service) enqueue(ctx context.Context, t *queue.Task, tenantID uuid.UUID) {
	if err := s.queue.Enqueue(ctx, t, 0); err != nil {
		s.logger.Error("Failed to enqueue task", map[string]interface{}{
			"kind":       t.Kind,
			"request_id": t.RequestID,
			"tenant_id":  tenantID,
			"error":      err.Error(),
		})
	}
}

func currencyOrDefault(c domain.Currency) domain.Currency {
	if c == "" {
		return domain.DefaultCurrency
	}
	return c
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func disbursementAccount(d *domain.DisbursementRequest) *string {
	if d.PhoneNumber != nil {
		p := *d.PhoneNumber
		return &p
	}
	if d.BusinessAccount != nil {
		a := d.BusinessAccount.Paybill + "/" + d.BusinessAccount.Account
		return &a
	}
	return nil
}
