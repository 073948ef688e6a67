package dispatch

import (
	"context"
	"sync"

	"github.com/ent0n29/parley/internal/conversation"
)

// keyedLocks serializes work per session key. Entries are reference counted
// and dropped once nobody holds or waits for them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[conversation.Key]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[conversation.Key]*keyLock)}
}

// acquire blocks until the key is free or ctx is done.
func (k *keyedLocks) acquire(ctx context.Context, key conversation.Key) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				k.unref(key, l)
			})
		}, nil
	case <-ctx.Done():
		k.unref(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) unref(key conversation.Key, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
