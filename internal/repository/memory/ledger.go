package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/pkg/errors"
)

// LedgerStore buffers a posting's writes and applies them on commit. Tenant
// locks are held from LockTenant until the unit of work ends.
type LedgerStore struct{ db *DB }

func NewLedgerStore(db *DB) *LedgerStore { return &LedgerStore{db: db} }

var _ ledger.Store = (*LedgerStore)(nil)

func (s *LedgerStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx := &ledgerTx{db: s.db, balances: make(map[uuid.UUID]decimal.Decimal)}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type ledgerTx struct {
	db       *DB
	held     []*sync.Mutex
	txns     []*domain.Transaction
	entries  []*domain.LedgerEntry
	balances map[uuid.UUID]decimal.Decimal
}

func (t *ledgerTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
	t.held = nil
}

func (t *ledgerTx) LockTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error) {
	t.db.mu.RLock()
	_, ok := t.db.tenants[tenantID]
	t.db.mu.RUnlock()
	if !ok {
		return nil, errors.ErrTenantNotFound
	}

	l := t.db.tenantLock(tenantID)
	l.Lock()
	t.held = append(t.held, l)

	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	cp := *t.db.tenants[tenantID]
	return &cp, nil
}

func (t *ledgerTx) LatestEntry(_ context.Context, tenantID uuid.UUID) (*domain.LedgerEntry, error) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].TenantID == tenantID {
			cp := *t.entries[i]
			return &cp, nil
		}
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	for i := len(t.db.entries) - 1; i >= 0; i-- {
		if t.db.entries[i].TenantID == tenantID {
			cp := *t.db.entries[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *ledgerTx) InsertTransaction(_ context.Context, txn *domain.Transaction) error {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	for _, existing := range t.db.transactions {
		if existing.Reference == txn.Reference {
			return errors.ErrDuplicateReference
		}
	}
	for _, pending := range t.txns {
		if pending.Reference == txn.Reference {
			return errors.ErrDuplicateReference
		}
	}
	cp := *txn
	t.txns = append(t.txns, &cp)
	return nil
}

func (t *ledgerTx) InsertEntry(_ context.Context, entry *domain.LedgerEntry) error {
	cp := *entry
	t.entries = append(t.entries, &cp)
	return nil
}

func (t *ledgerTx) UpdateTenantBalance(_ context.Context, tenantID uuid.UUID, balance decimal.Decimal) error {
	t.balances[tenantID] = balance
	return nil
}

func (t *ledgerTx) commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, txn := range t.txns {
		for _, existing := range t.db.transactions {
			if existing.Reference == txn.Reference {
				return errors.ErrDuplicateReference
			}
		}
	}
	t.db.transactions = append(t.db.transactions, t.txns...)
	for _, e := range t.entries {
		t.db.seq++
		e.Seq = t.db.seq
		t.db.entries = append(t.db.entries, e)
	}
	now := time.Now().UTC()
	for id, bal := range t.balances {
		if tenant, ok := t.db.tenants[id]; ok {
			tenant.WalletBalance = bal
			tenant.UpdatedAt = now
		}
	}
	return nil
}

// TransactionRepository reads committed transactions.
type TransactionRepository struct{ db *DB }

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) ListTransactions(_ context.Context, tenantID uuid.UUID, before *time.Time, limit int) ([]*domain.Transaction, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*domain.Transaction
	for _, txn := range r.db.transactions {
		if txn.TenantID != tenantID {
			continue
		}
		if before != nil && !txn.CreatedAt.Before(*before) {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a tenant's committed ledger entries in posting order.
func (r *TransactionRepository) Entries(tenantID uuid.UUID) []*domain.LedgerEntry {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*domain.LedgerEntry
	for _, e := range r.db.entries {
		if e.TenantID == tenantID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
