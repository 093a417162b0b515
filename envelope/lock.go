package envelope

import (
	"context"
	"sync"
)

// LockMode selects what happens when an envelope is already locked.
type LockMode int

const (
	// LockWait blocks until the lock is free or the context ends.
	LockWait LockMode = iota
	// LockFailFast returns a ConcurrentModificationError immediately.
	LockFailFast
)

// Locker hands out one lock per key. Entries are dropped when the last
// holder or waiter releases them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

func (l *Locker) acquire(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	return k
}

func (l *Locker) release(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock waits for key and returns the function that unlocks it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.acquire(key)
	select {
	case k.ch <- struct{}{}:
		return l.unlocker(key, k), nil
	case <-ctx.Done():
		l.release(key, k)
		return nil, ctx.Err()
	}
}

// TryLock takes key only if it is free.
func (l *Locker) TryLock(key string) (func(), bool) {
	k := l.acquire(key)
	select {
	case k.ch <- struct{}{}:
		return l.unlocker(key, k), true
	default:
		l.release(key, k)
		return nil, false
	}
}

func (l *Locker) unlocker(key string, k *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.release(key, k)
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
