package engine

import (
	"context"
	"sync"
	"time"

	"github.com/quantfold/ladderbot/internal/domain"
)

// KeyMutex is the in-process implementation of domain.LockManager, used when
// a single instance runs the engine (and in tests). Semantics mirror the
// Redis lock: try-acquire, ErrLockHeld when busy, unlock safe to call twice.
// The TTL argument is ignored; an in-process lock dies with the process.
type KeyMutex struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{held: make(map[string]bool)}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld.
func (k *KeyMutex) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.held[key] {
		return nil, domain.ErrLockHeld
	}
	k.held[key] = true

	released := false
	unlock := func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(k.held, key)
	}
	return unlock, nil
}

var _ domain.LockManager = (*KeyMutex)(nil)
