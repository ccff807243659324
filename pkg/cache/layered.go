package cache

import (
	"context"
	"time"
)

// LayeredOption configures LayeredCache.
type LayeredOption func(*LayeredCache)

// WithLayeredMemorySize bounds the in-process layer.
func WithLayeredMemorySize(n int) LayeredOption {
	return func(c *LayeredCache) { c.l1Size = n }
}

// WithLayeredMemoryTTL caps how long the in-process layer trusts an entry.
// For snapshots this is the report interval, so readers never see a report
// older than one interval.
func WithLayeredMemoryTTL(ttl time.Duration) LayeredOption {
	return func(c *LayeredCache) {
		if ttl > 0 {
			c.l1TTL = ttl
		}
	}
}

// LayeredCache puts a MemoryCache in front of a shared remote cache.
// Writes go through to the remote layer first; reads fall back to it and
// refill the memory layer.
type LayeredCache struct {
	l1     *MemoryCache
	l2     Service
	l1Size int
	l1TTL  time.Duration
}

func NewLayeredCache(l2 Service, opts ...LayeredOption) *LayeredCache {
	c := &LayeredCache{l2: l2, l1Size: 1000, l1TTL: time.Minute}
	for _, opt := range opts {
		opt(c)
	}
	c.l1 = NewMemoryCache(WithMemoryMaxSize(c.l1Size), WithMemoryDefaultTTL(c.l1TTL))
	return c
}

func (c *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := c.l2.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return c.l1.Set(ctx, key, value, c.localTTL(expiration))
}

func (c *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := c.l1.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := c.l2.Get(ctx, key, dest); err != nil {
		return err
	}
	_ = c.l1.Set(ctx, key, dest, c.l1TTL)
	return nil
}

func (c *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = c.l1.Delete(ctx, keys...)
	return c.l2.Delete(ctx, keys...)
}

func (c *LayeredCache) Exists(ctx context.Context, keys ...string) (bool, error) {
	if ok, _ := c.l1.Exists(ctx, keys...); ok {
		return true, nil
	}
	return c.l2.Exists(ctx, keys...)
}

func (c *LayeredCache) localTTL(expiration time.Duration) time.Duration {
	if expiration > 0 && expiration < c.l1TTL {
		return expiration
	}
	return c.l1TTL
}

// Close stops the memory layer and closes l2.
func (c *LayeredCache) Close() error {
	_ = c.l1.Close()
	return c.l2.Close()
}

var _ Service = (*LayeredCache)(nil)
