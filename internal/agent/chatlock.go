package agent

import (
	"context"
	"sync"
)

// chatLocks is a keyed mutex: at most one holder per chat id. Entries
// are removed when the last waiter releases.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	sem  chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*chatLock)}
}

// lock blocks until the chat's lock is held or ctx is done. On success
// the returned func releases it.
func (c *chatLocks) lock(ctx context.Context, chatID string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[chatID]
	if !ok {
		l = &chatLock{sem: make(chan struct{}, 1)}
		c.locks[chatID] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			c.release(chatID, l)
		}, nil
	case <-ctx.Done():
		c.release(chatID, l)
		return nil, ctx.Err()
	}
}

func (c *chatLocks) release(chatID string, l *chatLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, chatID)
	}
}

func (c *chatLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
