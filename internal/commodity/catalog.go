// Package commodity reads commodity reference data. navPrice is informational
// and never enters payout math.
package commodity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tpia/internal/repository"
	"tpia/pkg/domain"
	"tpia/pkg/logger"
)

type Catalog interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Commodity, error)
}

// Cache is the subset of pkg/cache.RedisCache the catalog needs.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

type StoreCatalog struct {
	repo repository.CommodityRepository
}

func NewStoreCatalog(repo repository.CommodityRepository) *StoreCatalog {
	return &StoreCatalog{repo: repo}
}

func (c *StoreCatalog) Get(ctx context.Context, id uuid.UUID) (*domain.Commodity, error) {
	return c.repo.FindByID(ctx, id)
}

// CachedCatalog is a read-through cache in front of another catalog. Cache
// failures fall back to the source.
type CachedCatalog struct {
	next   Catalog
	cache  Cache
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedCatalog(next Catalog, cache Cache, ttl time.Duration, log logger.Logger) *CachedCatalog {
	return &CachedCatalog{next: next, cache: cache, ttl: ttl, logger: log}
}

func cacheKey(id uuid.UUID) string {
	return "commodity:" + id.String()
}

func (c *CachedCatalog) Get(ctx context.Context, id uuid.UUID) (*domain.Commodity, error) {
	var cached domain.Commodity
	if err := c.cache.Get(ctx, cacheKey(id), &cached); err == nil {
		return &cached, nil
	}

	commodity, err := c.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, cacheKey(id), commodity, c.ttl); err != nil {
		c.logger.Warn("Failed to cache commodity", map[string]interface{}{
			"commodity_id": id,
			"error":        err.Error(),
		})
	}
	return commodity, nil
}

// Invalidate drops the cached entry after a navPrice update.
func (c *CachedCatalog) Invalidate(ctx context.Context, id uuid.UUID) error {
	return c.cache.Delete(ctx, cacheKey(id))
}
