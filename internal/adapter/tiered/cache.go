// Package tiered composes the in-process and shared user caches into one.
package tiered

import (
	"context"
	"time"

	"github.com/Strob0t/ChatGate/internal/port/cache"
)

// Cache reads through two levels: the in-process L1 first, then the shared
// L2, promoting L2 hits into L1. Writes and deletes go to both levels so a
// billing update invalidates every replica's view through L2.
type Cache struct {
	l1        cache.Cache
	l2        cache.Cache
	promotion time.Duration
}

// New builds the composite. promotion is the L1 TTL given to entries
// promoted from L2.
func New(l1, l2 cache.Cache, promotion time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, promotion: promotion}
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	_ = c.l1.Set(ctx, key, val, c.promotion)
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.l2.Set(ctx, key, value, ttl)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}
