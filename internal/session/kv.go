package session

import (
	"context"
	"time"
)

// KV is a byte-value store with per-key expiry. Get reports ok=false for
// missing or expired keys.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
