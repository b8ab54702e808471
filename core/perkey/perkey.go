// Package perkey provides exclusive locks scoped to a key, while work for
// different keys proceeds concurrently.
//
// Typical use-case: event-sourced entities, where appends for one entity ID
// must be serialized (read current version, then write the next one) but
// appends for different entities must never block each other.
package perkey

import (
	"context"
	"sync"
)

// Locker hands out one exclusive lock per key. Entries are reference counted
// and removed once nobody holds or waits for them, so the table only grows
// with the number of keys that are currently contended.
type Locker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// New creates a new Locker.
func New[K comparable]() *Locker[K] {
	return &Locker[K]{entries: make(map[K]*entry)}
}

// Lock blocks until the lock for key is acquired or ctx is done.
// The returned unlock function releases the lock; calling it more than once
// is safe.
func (l *Locker[K]) Lock(ctx context.Context, key K) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := l.acquire(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

// Do runs fn while holding the lock for key and returns its error.
func (l *Locker[K]) Do(ctx context.Context, key K, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len returns the number of keys that are currently held or waited on.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker[K]) acquire(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker[K]) release(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
