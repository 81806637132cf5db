package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/pkg/errors"
)

// LedgerStore runs ledger postings inside a database transaction, holding
// the tenant row lock until commit.
type LedgerStore struct {
	db *sqlx.DB
}

func NewLedgerStore(db *sqlx.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

var _ ledger.Store = (*LedgerStore)(nil)

func (s *LedgerStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "failed to begin ledger transaction")
	}
	defer tx.Rollback()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit ledger transaction")
}

type ledgerTx struct {
	tx *sqlx.Tx
}

func (t *ledgerTx) LockTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error) {
	tenant := &domain.Tenant{}
	query := `SELECT id, name, wallet_balance, created_at, updated_at FROM tenants WHERE id = $1 FOR UPDATE`
	if err := t.tx.GetContext(ctx, tenant, query, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTenantNotFound
		}
		return nil, errors.Wrap(err, "failed to lock tenant")
	}
	return tenant, nil
}

func (t *ledgerTx) LatestEntry(ctx context.Context, tenantID uuid.UUID) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{}
	query := `
		SELECT id, seq, tenant_id, transaction_id, gateway, amount, balance, type, created_at
		FROM ledger_entries
		WHERE tenant_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	if err := t.tx.GetContext(ctx, entry, query, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, reference, tenant_id, amount, account_no, gateway, type, status, payment_link_id, created_at
		) VALUES (
			:id, :reference, :tenant_id, :amount, :account_no, :gateway, :type, :status, :payment_link_id, :created_at
		)
	`
	if _, err := t.tx.NamedExecContext(ctx, query, txn); err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateReference
		}
		return errors.Wrap(err, "failed to insert transaction")
	}
	return nil
}

func (t *ledgerTx) InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (
			id, tenant_id, transaction_id, gateway, amount, balance, type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`
	err := t.tx.QueryRowxContext(ctx, query,
		entry.ID, entry.TenantID, entry.TransactionID, entry.Gateway,
		entry.Amount, entry.Balance, entry.Type, entry.CreatedAt,
	).Scan(&entry.Seq)
	return errors.Wrap(err, "failed to insert ledger entry")
}

func (t *ledgerTx) UpdateTenantBalance(ctx context.Context, tenantID uuid.UUID, balance decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE tenants SET wallet_balance = $1, updated_at = $2 WHERE id = $3`,
		balance, time.Now().UTC(), tenantID,
	)
	return errors.Wrap(err, "failed to update tenant balance")
}

// TransactionRepository is the read side of the wallet view.
type TransactionRepository struct {
	db *sqlx.DB
}

func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) ListTransactions(ctx context.Context, tenantID uuid.UUID, before *time.Time, limit int) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	query := `
		SELECT id, reference, tenant_id, amount, account_no, gateway, type, status, payment_link_id, created_at
		FROM transactions
		WHERE tenant_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	if err := r.db.SelectContext(ctx, &txns, query, tenantID, before, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list transactions")
	}
	return txns, nil
}
