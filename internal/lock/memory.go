package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mdasrafkhan/reactor/internal/clock"
)

// memoryLocker is a single-process Locker used in tests and by `reactor
// run` when no Redis address is configured, where there is no cluster to
// coordinate with.
type memoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock clock.Clock
}

// NewMemory creates an in-process Locker.
func NewMemory(c clock.Clock) Locker {
	return &memoryLocker{held: make(map[string]time.Time), clock: c}
}

type memoryLease struct {
	l      *memoryLocker
	key    string
	expiry time.Time
}

// Release deletes the key only while it still holds this lease's expiry,
// so a release after the lease expired and was re-acquired is a no-op.
func (l *memoryLease) Release(ctx context.Context) error {
	l.l.mu.Lock()
	defer l.l.mu.Unlock()
	if expiry, ok := l.l.held[l.key]; ok && expiry.Equal(l.expiry) {
		delete(l.l.held, l.key)
	}
	return nil
}

func (l *memoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if expiry, exists := l.held[key]; exists && expiry.After(now) {
		return nil, ErrNotAcquired
	}
	expiry := now.Add(ttl)
	l.held[key] = expiry
	return &memoryLease{l: l, key: key, expiry: expiry}, nil
}

func (l *memoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return l.TryAcquire(ctx, key, ttl)
}
