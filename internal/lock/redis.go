package lock

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only if it still holds our token, so a lease
// that already expired never releases somebody else's lock.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// RedisLocker is a Locker shared across engine replicas. Leases expire after
// ttl so a crashed holder cannot wedge a user forever.
type RedisLocker struct {
	rdb           *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		rdb:           rdb,
		ttl:           ttl,
		retryInterval: 25 * time.Millisecond,
	}
}

// TryAcquire makes a single SET NX attempt.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return l.releaser(key, token), true, nil
}

// Acquire spins with jittered sleeps until the key is free or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		release, ok, err := l.TryAcquire(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, err
		}
		if ok {
			return release, nil
		}

		sleep := l.retryInterval + time.Duration(rand.IntN(10))*time.Millisecond
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func (l *RedisLocker) releaser(key, token string) func() {
	return func() {
		// Release even if the request context was already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			slog.Error("failed to release redis lock", "key", key, "err", err)
		}
	}
}
