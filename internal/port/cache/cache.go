// Package cache defines the port for the user-record cache that sits in
// front of Postgres. Values are opaque byte slices; callers own the encoding.
package cache

import (
	"context"
	"time"
)

// Cache is implemented by the in-process L1 (ristretto), the shared L2
// (NATS JetStream KV), and the tiered composite of the two.
type Cache interface {
	// Get reports ok=false on a miss; err is reserved for backend failures.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete is a no-op for keys that are not present.
	Delete(ctx context.Context, key string) error
}
