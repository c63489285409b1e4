package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLocked means another replica holds the lock.
var ErrLocked = errors.New("lock held by another replica")

// Locker runs work under a Redis lock so only one replica performs it.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl}
}

// WithLock runs fn while holding key. It does not wait: when the lock is
// taken it returns ErrLocked. The lock is refreshed while fn runs.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	lock, err := l.client.Obtain(ctx, "lock:"+key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%s: %w", key, ErrLocked)
	}
	if err != nil {
		return fmt.Errorf("obtain lock %s: %w", key, err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	return fn(ctx)
}
