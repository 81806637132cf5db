package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

type TenantRepository struct {
	db *sqlx.DB
}

func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now
	query := `
		INSERT INTO tenants (id, name, wallet_balance, created_at, updated_at)
		VALUES (:id, :name, :wallet_balance, :created_at, :updated_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, tenant)
	return errors.Wrap(err, "failed to create tenant")
}

func (r *TenantRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	tenant := &domain.Tenant{}
	query := `SELECT id, name, wallet_balance, created_at, updated_at FROM tenants WHERE id = $1`
	err := r.db.GetContext(ctx, tenant, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTenantNotFound
		}
		return nil, errors.Wrap(err, "failed to find tenant by id")
	}
	return tenant, nil
}

// FindTenant satisfies ledger.Reader.
func (r *TenantRepository) FindTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	return r.FindByID(ctx, id)
}

func (r *TenantRepository) FindConfig(ctx context.Context, tenantID uuid.UUID) (*domain.TenantConfig, error) {
	cfg := &domain.TenantConfig{}
	query := `
		SELECT tenant_id, callback_url, payout_method, updated_at
		FROM tenant_configs WHERE tenant_id = $1
	`
	err := r.db.GetContext(ctx, cfg, query, tenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			// A tenant without a config row simply has nothing configured.
			if _, ferr := r.FindByID(ctx, tenantID); ferr != nil {
				return nil, ferr
			}
			return &domain.TenantConfig{TenantID: tenantID}, nil
		}
		return nil, errors.Wrap(err, "failed to find tenant config")
	}
	return cfg, nil
}

func (r *TenantRepository) UpsertConfig(ctx context.Context, cfg *domain.TenantConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO tenant_configs (tenant_id, callback_url, payout_method, updated_at)
		VALUES (:tenant_id, :callback_url, :payout_method, :updated_at)
		ON CONFLICT (tenant_id) DO UPDATE SET
			callback_url = EXCLUDED.callback_url,
			payout_method = EXCLUDED.payout_method,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.NamedExecContext(ctx, query, cfg)
	return errors.Wrap(err, "failed to upsert tenant config")
}

// ListPayoutCandidates returns tenants with a payout method and a balance
// strictly above minBalance, in id order.
func (r *TenantRepository) ListPayoutCandidates(ctx context.Context, minBalance decimal.Decimal) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `
		SELECT t.id
		FROM tenants t
		JOIN tenant_configs c ON c.tenant_id = t.id
		WHERE c.payout_method IS NOT NULL AND t.wallet_balance > $1
		ORDER BY t.id
	`
	if err := r.db.SelectContext(ctx, &ids, query, minBalance); err != nil {
		return nil, errors.Wrap(err, "failed to list payout candidates")
	}
	return ids, nil
}
