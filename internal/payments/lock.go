package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

// OrderLocker serializes work on one order across instances. A lock that
// cannot be taken is not fatal: callers fall back to the database guards.
type OrderLocker interface {
	Lock(ctx context.Context, scope string, orderID uuid.UUID) (release func())
}

type lockClient interface {
	redis.LockStore
	LockKey(scope, id string) string
}

// RedisOrderLocker implements OrderLocker with pkg/redis leases.
type RedisOrderLocker struct {
	client lockClient
	ttl    time.Duration
	wait   time.Duration
	logg   *logger.Logger
}

// NewRedisOrderLocker builds a locker whose leases expire after ttl. Lock
// waits at most wait for a busy lease.
func NewRedisOrderLocker(client lockClient, ttl, wait time.Duration, logg *logger.Logger) (*RedisOrderLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisOrderLocker{client: client, ttl: ttl, wait: wait, logg: logg}, nil
}

func (l *RedisOrderLocker) Lock(ctx context.Context, scope string, orderID uuid.UUID) func() {
	lock, err := redis.NewLock(l.client, l.client.LockKey(scope, orderID.String()), l.ttl)
	if err != nil {
		l.warn(ctx, orderID, "order lock unavailable", err)
		return func() {}
	}
	ok, err := lock.AcquireWait(ctx, l.wait, 50*time.Millisecond)
	if err != nil {
		l.warn(ctx, orderID, "order lock unavailable", err)
		return func() {}
	}
	if !ok {
		l.warn(ctx, orderID, "order lock busy; continuing on database guards", nil)
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.warn(ctx, orderID, "order lock release failed", err)
		}
	}
}

func (l *RedisOrderLocker) warn(ctx context.Context, orderID uuid.UUID, msg string, err error) {
	if l.logg == nil {
		return
	}
	fields := map[string]any{"order_id": orderID.String()}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logg.Warn(l.logg.WithFields(ctx, fields), msg)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string, uuid.UUID) func() { return func() {} }
