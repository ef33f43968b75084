package chat

import (
	"context"
	"sync"
)

// Locker serializes turns per chat id. Two simultaneous turns on one chat
// would otherwise interleave their persisted messages in commit order.
type Locker interface {
	// Acquire blocks until the chat lock is held or ctx is done. The
	// returned func releases the lock and is safe to call once.
	Acquire(ctx context.Context, chatID string) (func(), error)
}

// MemoryLocker is the in-process Locker used in tests and single-node
// deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]chan struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, chatID string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[chatID]
		if !busy {
			done := make(chan struct{})
			l.held[chatID] = done
			l.mu.Unlock()
			var once sync.Once
			release := func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, chatID)
					l.mu.Unlock()
					close(done)
				})
			}
			return release, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
