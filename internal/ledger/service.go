// Package ledger applies wallet movements atomically: one transaction row,
// one balance-bearing ledger entry and the tenant balance update commit
// together or not at all.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/internal/metrics"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

// Store opens the unit of work a posting runs in.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes a posting performs. LockTenant must serialize
// concurrent postings for the same tenant until the unit of work ends.
type Tx interface {
	LockTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error)
	LatestEntry(ctx context.Context, tenantID uuid.UUID) (*domain.LedgerEntry, error)
	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error
	UpdateTenantBalance(ctx context.Context, tenantID uuid.UUID, balance decimal.Decimal) error
}

// Reader serves the wallet view.
type Reader interface {
	FindTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error)
	ListTransactions(ctx context.Context, tenantID uuid.UUID, before *time.Time, limit int) ([]*domain.Transaction, error)
}

type tenantFinder interface {
	FindTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error)
}

type transactionLister interface {
	ListTransactions(ctx context.Context, tenantID uuid.UUID, before *time.Time, limit int) ([]*domain.Transaction, error)
}

type joinedReader struct {
	tenantFinder
	transactionLister
}

// JoinReader builds a Reader from separate tenant and transaction stores.
func JoinReader(tenants tenantFinder, txns transactionLister) Reader {
	return joinedReader{tenants, txns}
}

// Posting describes one wallet movement.
type Posting struct {
	TenantID      uuid.UUID
	Amount        decimal.Decimal
	Direction     domain.EntryType
	Gateway       string
	Reference     string
	AccountNo     *string
	PaymentLinkID *uuid.UUID
}

// Result is what a successful posting wrote.
type Result struct {
	Transaction *domain.Transaction
	Entry       *domain.LedgerEntry
}

type Service struct {
	store  Store
	reader Reader
	logger logger.Logger
	now    func() time.Time
}

func NewService(store Store, reader Reader, log logger.Logger) *Service {
	return &Service{store: store, reader: reader, logger: log, now: time.Now}
}

// Apply posts p. The new balance is computed from the tenant's most recent
// ledger entry, falling back to the tenant wallet balance when the tenant
// has none yet. Debits larger than that baseline fail with
// errors.ErrInsufficientFunds and write nothing. A reference that was
// already posted fails with errors.ErrDuplicateReference.
func (s *Service) Apply(ctx context.Context, p Posting) (*Result, error) {
	if err := validatePosting(&p); err != nil {
		return nil, err
	}

	var res Result
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		tenant, err := tx.LockTenant(ctx, p.TenantID)
		if err != nil {
			return err
		}

		last, err := tx.LatestEntry(ctx, p.TenantID)
		if err != nil {
			return errors.Wrap(err, "failed to read latest ledger entry")
		}
		baseline := tenant.WalletBalance
		if last != nil {
			baseline = last.Balance
		}

		signed := p.Amount
		if p.Direction == domain.EntryDebit {
			if baseline.LessThan(p.Amount) {
				return errors.ErrInsufficientFunds
			}
			signed = p.Amount.Neg()
		}

		now := s.now().UTC()
		txn := &domain.Transaction{
			ID:            uuid.New(),
			Reference:     p.Reference,
			TenantID:      p.TenantID,
			Amount:        p.Amount,
			AccountNo:     p.AccountNo,
			Gateway:       p.Gateway,
			Type:          p.Direction,
			Status:        "completed",
			PaymentLinkID: p.PaymentLinkID,
			CreatedAt:     now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		entry := &domain.LedgerEntry{
			ID:            uuid.New(),
			TenantID:      p.TenantID,
			TransactionID: txn.ID,
			Gateway:       p.Gateway,
			Amount:        p.Amount,
			Balance:       baseline.Add(signed),
			Type:          p.Direction,
			CreatedAt:     now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}

		if err := tx.UpdateTenantBalance(ctx, p.TenantID, tenant.WalletBalance.Add(signed)); err != nil {
			return err
		}

		res = Result{Transaction: txn, Entry: entry}
		return nil
	})
	if err != nil {
		metrics.LedgerPostings.WithLabelValues(string(p.Direction), outcome(err)).Inc()
		if !errors.Is(err, errors.ErrInsufficientFunds) && !errors.Is(err, errors.ErrDuplicateReference) {
			s.logger.Error("ledger posting failed", map[string]interface{}{
				"tenant_id": p.TenantID.String(),
				"reference": p.Reference,
				"direction": string(p.Direction),
				"error":     err.Error(),
			})
		}
		return nil, err
	}

	metrics.LedgerPostings.WithLabelValues(string(p.Direction), "applied").Inc()
	s.logger.Info("ledger posting applied", map[string]interface{}{
		"tenant_id":   p.TenantID.String(),
		"reference":   p.Reference,
		"direction":   string(p.Direction),
		"amount":      p.Amount.String(),
		"new_balance": res.Entry.Balance.String(),
	})
	return &res, nil
}

// Credit is Apply with an incoming direction.
func (s *Service) Credit(ctx context.Context, p Posting) (*Result, error) {
	p.Direction = domain.EntryCredit
	return s.Apply(ctx, p)
}

// Debit is Apply with an outgoing direction.
func (s *Service) Debit(ctx context.Context, p Posting) (*Result, error) {
	p.Direction = domain.EntryDebit
	return s.Apply(ctx, p)
}

func validatePosting(p *Posting) error {
	if p.TenantID == uuid.Nil {
		return errors.NewValidation("tenant_id", "is required")
	}
	if !p.Amount.IsPositive() {
		return errors.NewValidation("amount", "must be greater than 0")
	}
	if p.Direction != domain.EntryCredit && p.Direction != domain.EntryDebit {
		return errors.NewValidation("direction", fmt.Sprintf("unknown direction %q", p.Direction))
	}
	if p.Gateway == "" {
		p.Gateway = domain.GatewayInternal
	}
	if strings.TrimSpace(p.Reference) == "" {
		p.Reference = "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, errors.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, errors.ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, errors.ErrTenantNotFound):
		return "tenant_not_found"
	default:
		return "error"
	}
}

// MaxStatementPage caps how many transactions one wallet view returns.
const MaxStatementPage = 100

// Statement is a tenant's balance plus a page of recent movements.
type Statement struct {
	TenantID     uuid.UUID             `json:"tenant_id"`
	Balance      decimal.Decimal       `json:"balance"`
	Transactions []*domain.Transaction `json:"transactions"`
	NextCursor   *time.Time            `json:"next_cursor,omitempty"`
}

// Statement returns the wallet view, newest first. before is an exclusive
// created_at cursor taken from a previous page's NextCursor.
func (s *Service) Statement(ctx context.Context, tenantID uuid.UUID, before *time.Time, limit int) (*Statement, error) {
	if limit <= 0 || limit > MaxStatementPage {
		limit = MaxStatementPage
	}
	tenant, err := s.reader.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	txns, err := s.reader.ListTransactions(ctx, tenantID, before, limit+1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list transactions")
	}

	st := &Statement{TenantID: tenantID, Balance: tenant.WalletBalance, Transactions: txns}
	if len(txns) > limit {
		st.Transactions = txns[:limit]
		cursor := st.Transactions[limit-1].CreatedAt
		st.NextCursor = &cursor
	}
	if st.Transactions == nil {
		st.Transactions = []*domain.Transaction{}
	}
	return st, nil
}
