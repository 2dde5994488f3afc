// Package lock implements the best-effort, TTL-bounded cluster-wide named
// mutex used for leader election and batch claims, backed by
// go-redis/redis/v8.
//
// Release is a value-CAS rather than a bare DEL, since deleting
// unconditionally can release a lease some other holder already
// re-acquired after TTL expiry.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/clock"
)

// ErrNotAcquired is returned when a lock could not be obtained within the
// caller's retry budget. Callers never treat this as an error — losing
// a lock means "yield", not "fail".
var ErrNotAcquired = errors.New("lock: not acquired")

// Lease represents a held lock. Release is idempotent and safe to call more
// than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named, TTL-bounded cluster-wide locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// TryAcquire attempts a single non-blocking acquire, returning
	// ErrNotAcquired immediately if the key is held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type redisLocker struct {
	client *redis.Client
	logger *zap.Logger
	clock  clock.Clock
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(client *redis.Client, logger *zap.Logger, c clock.Clock) Locker {
	return &redisLocker{client: client, logger: logger, clock: c}
}

type redisLease struct {
	client *redis.Client
	key    string
	value  string
	logger *zap.Logger
}

// releaseScript deletes the key only if its value still matches the token
// this lease created it with.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (l *redisLease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		l.logger.Debug("lock release no-op: lease already expired or stolen", zap.String("key", l.key))
	}
	return nil
}

// TryAcquire makes one SET NX PX attempt and returns immediately.
func (l *redisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{client: l.client, key: key, value: token, logger: l.logger}, nil
}

// Acquire retries TryAcquire with bounded jittered backoff. On
// exhaustion it returns
// ErrNotAcquired, which the caller treats as "another replica holds
// leadership", not a failure.
func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lease, err := l.TryAcquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := l.clock.Jitter(50*time.Millisecond, 100*time.Millisecond)
		select {
		case <-l.clock.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
