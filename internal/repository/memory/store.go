// Package memory keeps every repository in process memory. It backs the
// test suites and the single-process demo mode.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

// DB holds the shared tables. Repositories built from the same DB see each
// other's writes.
type DB struct {
	mu            sync.RWMutex
	tenants       map[uuid.UUID]*domain.Tenant
	configs       map[uuid.UUID]*domain.TenantConfig
	apiKeys       map[string]*domain.APIKey
	collections   map[uuid.UUID]*domain.CollectionRequest
	disbursements map[uuid.UUID]*domain.DisbursementRequest
	links         map[uuid.UUID]*domain.PaymentLink
	transactions  []*domain.Transaction
	entries       []*domain.LedgerEntry
	seq           int64

	lockMu      sync.Mutex
	tenantLocks map[uuid.UUID]*sync.Mutex
}

func NewDB() *DB {
	return &DB{
		tenants:       make(map[uuid.UUID]*domain.Tenant),
		configs:       make(map[uuid.UUID]*domain.TenantConfig),
		apiKeys:       make(map[string]*domain.APIKey),
		collections:   make(map[uuid.UUID]*domain.CollectionRequest),
		disbursements: make(map[uuid.UUID]*domain.DisbursementRequest),
		links:         make(map[uuid.UUID]*domain.PaymentLink),
		tenantLocks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

func (db *DB) tenantLock(id uuid.UUID) *sync.Mutex {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()
	l, ok := db.tenantLocks[id]
	if !ok {
		l = &sync.Mutex{}
		db.tenantLocks[id] = l
	}
	return l
}

// TenantRepository

type TenantRepository struct{ db *DB }

func NewTenantRepository(db *DB) *TenantRepository { return &TenantRepository{db: db} }

func (r *TenantRepository) Create(_ context.Context, t *domain.Tenant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	r.db.tenants[t.ID] = &cp
	return nil
}

func (r *TenantRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	t, ok := r.db.tenants[id]
	if !ok {
		return nil, errors.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *TenantRepository) FindTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	return r.FindByID(ctx, id)
}

func (r *TenantRepository) FindConfig(ctx context.Context, tenantID uuid.UUID) (*domain.TenantConfig, error) {
	r.db.mu.RLock()
	cfg, ok := r.db.configs[tenantID]
	_, known := r.db.tenants[tenantID]
	r.db.mu.RUnlock()
	if !known {
		return nil, errors.ErrTenantNotFound
	}
	if !ok {
		return &domain.TenantConfig{TenantID: tenantID}, nil
	}
	cp := *cfg
	return &cp, nil
}

func (r *TenantRepository) UpsertConfig(_ context.Context, cfg *domain.TenantConfig) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	cp := *cfg
	r.db.configs[cfg.TenantID] = &cp
	return nil
}

func (r *TenantRepository) ListPayoutCandidates(_ context.Context, minBalance decimal.Decimal) ([]uuid.UUID, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var ids []uuid.UUID
	for id, cfg := range r.db.configs {
		t, ok := r.db.tenants[id]
		if !ok || cfg.PayoutMethod == nil {
			continue
		}
		if t.WalletBalance.GreaterThan(minBalance) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// APIKeyRepository

type APIKeyRepository struct{ db *DB }

func NewAPIKeyRepository(db *DB) *APIKeyRepository { return &APIKeyRepository{db: db} }

// Issue stores a raw key for tenantID, hashing it the same way lookups do.
func (r *APIKeyRepository) Issue(tenantID uuid.UUID, raw string) *domain.APIKey {
	sum := sha256.Sum256([]byte(raw))
	key := &domain.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "default",
		KeyPrefix: raw[:min(len(raw), 8)],
		KeyHash:   hex.EncodeToString(sum[:]),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	r.db.mu.Lock()
	r.db.apiKeys[key.KeyHash] = key
	r.db.mu.Unlock()
	return key
}

func (r *APIKeyRepository) Create(_ context.Context, key *domain.APIKey) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *key
	r.db.apiKeys[key.KeyHash] = &cp
	return nil
}

func (r *APIKeyRepository) GetByKeyHash(_ context.Context, hash string) (*domain.APIKey, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	key, ok := r.db.apiKeys[hash]
	if !ok || !key.IsActive {
		return nil, errors.ErrInvalidAPIKey
	}
	cp := *key
	return &cp, nil
}

func (r *APIKeyRepository) UpdateLastUsed(_ context.Context, id uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := time.Now().UTC()
	for _, k := range r.db.apiKeys {
		if k.ID == id {
			k.LastUsedAt = &now
		}
	}
	return nil
}

// CollectionRepository

type CollectionRepository struct{ db *DB }

func NewCollectionRepository(db *DB) *CollectionRepository { return &CollectionRepository{db: db} }

func (r *CollectionRepository) Create(_ context.Context, c *domain.CollectionRequest) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.collections {
		if existing.RequestReference == c.RequestReference {
			return errors.ErrDuplicateReference
		}
	}
	cp := *c
	r.db.collections[c.ID] = &cp
	return nil
}

func (r *CollectionRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.CollectionRequest, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	c, ok := r.db.collections[id]
	if !ok {
		return nil, errors.ErrCollectionNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CollectionRepository) FindByReference(_ context.Context, reference string) (*domain.CollectionRequest, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, c := range r.db.collections {
		if c.RequestReference == reference {
			cp := *c
			return &cp, nil
		}
	}
	return nil, errors.ErrCollectionNotFound
}

func (r *CollectionRepository) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	_, err := r.FindByReference(ctx, reference)
	if errors.Is(err, errors.ErrCollectionNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *CollectionRepository) Transition(_ context.Context, id uuid.UUID, from []domain.RequestStatus, change domain.StatusChange) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.collections[id]
	if !ok || !statusIn(c.Status, from) {
		return false, nil
	}
	c.Status = change.To
	setIf(&c.CheckoutRequestID, change.CheckoutRequestID)
	setIf(&c.MerchantRequestID, change.MerchantRequestID)
	setIf(&c.ReceiptNumber, change.ReceiptNumber)
	setIf(&c.Remarks, change.Remarks)
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

// DisbursementRepository

type DisbursementRepository struct{ db *DB }

func NewDisbursementRepository(db *DB) *DisbursementRepository {
	return &DisbursementRepository{db: db}
}

func (r *DisbursementRepository) Create(_ context.Context, d *domain.DisbursementRequest) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.disbursements {
		if existing.RequestReference == d.RequestReference {
			return errors.ErrDuplicateReference
		}
	}
	cp := *d
	r.db.disbursements[d.ID] = &cp
	return nil
}

func (r *DisbursementRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.DisbursementRequest, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	d, ok := r.db.disbursements[id]
	if !ok {
		return nil, errors.ErrDisbursementNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *DisbursementRepository) FindByReference(_ context.Context, reference string) (*domain.DisbursementRequest, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, d := range r.db.disbursements {
		if d.RequestReference == reference {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errors.ErrDisbursementNotFound
}

func (r *DisbursementRepository) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	_, err := r.FindByReference(ctx, reference)
	if errors.Is(err, errors.ErrDisbursementNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *DisbursementRepository) Transition(_ context.Context, id uuid.UUID, from []domain.RequestStatus, change domain.StatusChange) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.disbursements[id]
	if !ok || !statusIn(d.Status, from) {
		return false, nil
	}
	d.Status = change.To
	setIf(&d.ConversationID, change.ConversationID)
	setIf(&d.OriginatorConversationID, change.OriginatorConversationID)
	setIf(&d.ProviderTransactionID, change.ProviderTransactionID)
	setIf(&d.Remarks, change.Remarks)
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

// All lists every disbursement, oldest first.
func (r *DisbursementRepository) All() []*domain.DisbursementRequest {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make([]*domain.DisbursementRequest, 0, len(r.db.disbursements))
	for _, d := range r.db.disbursements {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PaymentLinkRepository

type PaymentLinkRepository struct{ db *DB }

func NewPaymentLinkRepository(db *DB) *PaymentLinkRepository {
	return &PaymentLinkRepository{db: db}
}

func (r *PaymentLinkRepository) Create(_ context.Context, link *domain.PaymentLink) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, l := range r.db.links {
		if l.Token == link.Token {
			return errors.ErrDuplicateReference
		}
	}
	cp := *link
	r.db.links[link.ID] = &cp
	return nil
}

func (r *PaymentLinkRepository) FindByToken(_ context.Context, token string) (*domain.PaymentLink, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, l := range r.db.links {
		if l.Token == token {
			cp := *l
			return &cp, nil
		}
	}
	return nil, errors.ErrPaymentLinkNotFound
}

func (r *PaymentLinkRepository) MarkPaid(_ context.Context, id uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if l, ok := r.db.links[id]; ok && l.Status == domain.LinkOpen {
		l.Status = domain.LinkPaid
		l.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func statusIn(s domain.RequestStatus, set []domain.RequestStatus) bool {
	for _, f := range set {
		if s == f {
			return true
		}
	}
	return false
}

func setIf(dst **string, v *string) {
	if v != nil {
		s := *v
		*dst = &s
	}
}
