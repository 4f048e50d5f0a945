package service

import "sync"

// keyLock serializes work per key without a global lock. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
type keyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyLock[K comparable]() *keyLock[K] {
	return &keyLock[K]{locks: make(map[K]*refMutex)}
}

// Lock blocks until key is free and returns its unlock function
func (l *keyLock[K]) Lock(key K) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock[K]) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
