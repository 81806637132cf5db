// Package auth issues and checks tenant credentials: API keys for
// server-to-server calls and signed tokens for the tenant dashboard.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"paygate/internal/domain"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

const keyPrefix = "pg_live_"

// APIKeyRepository defines storage operations for API keys
type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) error
	GetByKeyHash(ctx context.Context, hash string) (*domain.APIKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

type APIKeyService struct {
	repo   APIKeyRepository
	logger logger.Logger
}

func NewAPIKeyService(repo APIKeyRepository, log logger.Logger) *APIKeyService {
	return &APIKeyService{repo: repo, logger: log}
}

// HashKey is how keys are stored and looked up.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateKey generates a key for tenantID. The raw key is returned once and
// never stored.
func (s *APIKeyService) CreateKey(ctx context.Context, tenantID uuid.UUID, name string) (*domain.APIKey, string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", errors.Wrap(err, "failed to generate random bytes")
	}
	rawKey := keyPrefix + hex.EncodeToString(keyBytes)

	key := &domain.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyPrefix: rawKey[:len(keyPrefix)+4],
		KeyHash:   HashKey(rawKey),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, rawKey, nil
}

// ValidateKey resolves an active key. Unknown and revoked keys both yield
// errors.ErrInvalidAPIKey.
func (s *APIKeyService) ValidateKey(ctx context.Context, rawKey string) (*domain.APIKey, error) {
	if rawKey == "" {
		return nil, errors.ErrInvalidAPIKey
	}
	key, err := s.repo.GetByKeyHash(ctx, HashKey(rawKey))
	if err != nil {
		return nil, err
	}

	// Async update last used
	go func(id uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.UpdateLastUsed(ctx, id); err != nil {
			s.logger.Warn("Failed to update api key last used", map[string]interface{}{
				"api_key_id": id,
				"error":      err.Error(),
			})
		}
	}(key.ID)

	return key, nil
}
