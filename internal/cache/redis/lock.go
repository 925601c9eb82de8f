package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quantfold/ladderbot/internal/domain"
)

// releaseScript deletes a lock key only when it still holds the caller's
// token, so a holder whose TTL expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager implements domain.LockManager on Redis SET NX with a TTL and a
// scripted conditional release. The TTL is the crash backstop: a process that
// dies mid-execution stops blocking its position once the TTL elapses.
type LockManager struct {
	client *redis.Client
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{client: c.Underlying()}
}

// Acquire attempts to take the lock without blocking. It returns
// domain.ErrLockHeld when another holder owns the key; the caller is
// expected to skip the position and come back next cycle.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	slot := "lock:" + key
	token := uuid.NewString()

	taken, err := lm.client.SetNX(ctx, slot, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !taken {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Detached context so the release still runs when the caller's
			// context is already cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, lm.client, []string{slot}, token).Err()
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
