package repository

import (
	"context"
	"errors"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/repository"
	"BookPulse/pkg/cache"
)

// CachedSnapshots keeps the latest snapshot per product in a cache.Service.
type CachedSnapshots struct {
	cache cache.Service
	ttl   time.Duration
}

// NewSnapshotCache creates a SnapshotCache; entries expire after ttl.
func NewSnapshotCache(c cache.Service, ttl time.Duration) repository.SnapshotCache {
	return &CachedSnapshots{cache: c, ttl: ttl}
}

func snapshotKey(productID string) string {
	return cache.Key("snapshot", "latest", productID)
}

func (c *CachedSnapshots) Put(ctx context.Context, s *models.StatsSnapshot) error {
	return c.cache.Set(ctx, snapshotKey(s.ProductID), s, c.ttl)
}

// Latest returns nil without error when nothing is cached.
func (c *CachedSnapshots) Latest(ctx context.Context, productID string) (*models.StatsSnapshot, error) {
	var s models.StatsSnapshot
	if err := c.cache.Get(ctx, snapshotKey(productID), &s); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}
