package cron

import (
	"context"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

const lockScope = "cron"

// Lock coordinates exclusive cron runs across worker replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type lockKeyer interface {
	redis.LockStore
	LockKey(scope, id string) string
}

// NewRedisLock returns the cycle lock for the named worker. ttl should
// outlive a full cycle so a slow run is not joined by a second replica.
func NewRedisLock(client lockKeyer, worker string, ttl time.Duration) (Lock, error) {
	return redis.NewLock(client, client.LockKey(lockScope, worker), ttl)
}
