package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newRedisLocker connects to REDIS_URL and skips when it is unset. Each test
// gets its own key, deleted on cleanup.
func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *redis.Client, string) {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Fatalf("ping redis: %v", err)
	}
	key := UserKey("test-" + uuid.New().String())
	t.Cleanup(func() {
		rdb.Del(context.Background(), key)
		rdb.Close()
	})
	return NewRedisLocker(rdb, ttl), rdb, key
}

func TestRedisLocker_Exclusive(t *testing.T) {
	l, _, key := newRedisLocker(t, 5*time.Second)
	var inside, maxInside, acquired int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			release, err := l.Acquire(ctx, key)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&acquired, 1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if acquired != 20 {
		t.Errorf("acquired %d times, want 20", acquired)
	}
}

func TestRedisLocker_TryAcquireContended(t *testing.T) {
	l, rdb, key := newRedisLocker(t, 5*time.Second)
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("first try = %v, %v", ok, err)
	}
	if _, ok, err := l.TryAcquire(ctx, key); err != nil || ok {
		t.Errorf("second try = %v, %v; want not acquired", ok, err)
	}

	release()
	if n, _ := rdb.Exists(ctx, key).Result(); n != 0 {
		t.Errorf("key still present after release")
	}
	again, ok, err := l.TryAcquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("try after release = %v, %v", ok, err)
	}
	again()
}

func TestRedisLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	l, rdb, key := newRedisLocker(t, 100*time.Millisecond)
	ctx := context.Background()

	stale, ok, err := l.TryAcquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("first holder = %v, %v", ok, err)
	}
	time.Sleep(250 * time.Millisecond)

	// The first lease expired, so a second holder gets the key.
	current, ok, err := l.TryAcquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("second holder = %v, %v", ok, err)
	}
	token, err := rdb.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("read token: %v", err)
	}

	stale()
	if got, err := rdb.Get(ctx, key).Result(); err != nil || got != token {
		t.Fatalf("stale release removed the new holder's lease: %q, %v", got, err)
	}
	if _, ok, _ := l.TryAcquire(ctx, key); ok {
		t.Error("key acquired while the second holder still holds it")
	}

	current()
	if n, _ := rdb.Exists(ctx, key).Result(); n != 0 {
		t.Errorf("key still present after the holder released it")
	}
}

func TestRedisLocker_ContextCancel(t *testing.T) {
	l, _, key := newRedisLocker(t, 5*time.Second)
	release, err := l.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = l.Acquire(ctx, key)
	if !errors.Is(err, ErrNotAcquired) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrNotAcquired wrapping deadline, got %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("Acquire returned %s after the deadline", waited)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := l.Acquire(cancelled, key); !errors.Is(err, ErrNotAcquired) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected ErrNotAcquired wrapping cancel, got %v", err)
	}
}
