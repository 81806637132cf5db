// Package tenant serves tenant integration settings from a Redis cache in
// front of the database.
package tenant

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"paygate/internal/domain"
	"paygate/pkg/cache"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

type ConfigRepository interface {
	FindConfig(ctx context.Context, tenantID uuid.UUID) (*domain.TenantConfig, error)
}

// Cache is satisfied by *cache.RedisCache.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ConfigLookup caches tenant configs under tenant:<id>. Concurrent misses
// for the same tenant share one database read.
type ConfigLookup struct {
	repo   ConfigRepository
	cache  Cache
	ttl    time.Duration
	group  singleflight.Group
	logger logger.Logger
}

// NewConfigLookup builds a lookup. cache may be nil, in which case every
// call reads the repository.
func NewConfigLookup(repo ConfigRepository, c Cache, ttl time.Duration, log logger.Logger) *ConfigLookup {
	return &ConfigLookup{repo: repo, cache: c, ttl: ttl, logger: log}
}

func cacheKey(id uuid.UUID) string { return "tenant:" + id.String() }

func (l *ConfigLookup) Get(ctx context.Context, tenantID uuid.UUID) (*domain.TenantConfig, error) {
	key := cacheKey(tenantID)
	if l.cache != nil {
		var cfg domain.TenantConfig
		err := l.cache.Get(ctx, key, &cfg)
		if err == nil {
			return &cfg, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			l.logger.Warn("tenant config cache read failed", map[string]interface{}{
				"tenant_id": tenantID.String(),
				"error":     err.Error(),
			})
		}
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		cfg, err := l.repo.FindConfig(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			if err := l.cache.Set(ctx, key, cfg, l.ttl); err != nil {
				l.logger.Warn("tenant config cache write failed", map[string]interface{}{
					"tenant_id": tenantID.String(),
					"error":     err.Error(),
				})
			}
		}
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	cfg := *v.(*domain.TenantConfig)
	return &cfg, nil
}

// Invalidate drops the cached config after it changes.
func (l *ConfigLookup) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Delete(ctx, cacheKey(tenantID))
}
