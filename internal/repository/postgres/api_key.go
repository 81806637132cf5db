package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

type APIKeyRepository struct {
	db *sqlx.DB
}

func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	query := `
		INSERT INTO api_keys (
			id, tenant_id, name, key_prefix, key_hash, is_active, created_at
		) VALUES (
			:id, :tenant_id, :name, :key_prefix, :key_hash, :is_active, :created_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, key)
	if err != nil {
		return errors.Wrap(err, "failed to create api key")
	}
	return nil
}

// GetByKeyHash returns errors.ErrInvalidAPIKey for unknown or revoked keys.
func (r *APIKeyRepository) GetByKeyHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	query := `
		SELECT id, tenant_id, name, key_prefix, key_hash, is_active, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var key domain.APIKey
	err := r.db.GetContext(ctx, &key, query, hash)
	if err == sql.ErrNoRows {
		return nil, errors.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get api key")
	}
	return &key, nil
}

func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return errors.Wrap(err, "failed to update api key last used")
}
