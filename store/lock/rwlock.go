package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dimitarvdimitrov/attic/store"
)

// ErrUpgrade is returned when an owner holding only a read lock asks for the
// write lock. Two owners upgrading at once would deadlock.
var ErrUpgrade = errors.New("cannot upgrade a read lock to a write lock")

// RWLock is a read-write lock keyed by owner instead of goroutine.
//
// An owner holding the write lock may take the read or write lock again.
// An owner holding a read lock may take it again even while writers queue.
// Otherwise waiting writers are preferred over new readers.
type RWLock struct {
	path string
	refs int // guarded by the registry

	mu             sync.Mutex
	changed        chan struct{}
	writer         Owner
	writes         int
	readers        map[Owner]int
	nreaders       int
	waitingWriters int
}

func newRWLock(path string) *RWLock {
	return &RWLock{
		path:    path,
		changed: make(chan struct{}),
		readers: make(map[Owner]int),
	}
}

func (l *RWLock) Path() string {
	return l.path
}

// broadcast wakes every waiter. Must be called with l.mu held.
func (l *RWLock) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *RWLock) canRead(o Owner) bool {
	if l.writer != 0 {
		return l.writer == o
	}
	return l.readers[o] > 0 || l.waitingWriters == 0
}

// RLock blocks until the read lock is held by ctx's owner or ctx is done.
// The returned function releases the lock; calling it more than once is a noop.
func (l *RWLock) RLock(ctx context.Context) (func(), error) {
	o := ownerOf(ctx)
	for {
		l.mu.Lock()
		if l.canRead(o) {
			l.readers[o]++
			l.nreaders++
			l.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { l.runlock(o) }) }, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, l.timeout("read", ctx.Err())
		}
	}
}

func (l *RWLock) runlock(o Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readers[o] == 0 {
		panic(fmt.Sprintf("lock: read unlock of %s by owner %d that does not hold it", l.path, o))
	}
	l.readers[o]--
	l.nreaders--
	if l.readers[o] == 0 {
		delete(l.readers, o)
	}
	l.broadcast()
}

// Lock blocks until the write lock is held by ctx's owner or ctx is done.
// The returned function releases the lock; calling it more than once is a noop.
func (l *RWLock) Lock(ctx context.Context) (func(), error) {
	o := ownerOf(ctx)

	l.mu.Lock()
	if l.writer == o {
		l.writes++
		l.mu.Unlock()
		return l.unlockFunc(o), nil
	}
	if l.readers[o] > 0 {
		l.mu.Unlock()
		return nil, store.NewError(store.InvalidState, "lock", store.Identity{}, "", fmt.Errorf("%s: %w", l.path, ErrUpgrade))
	}
	l.waitingWriters++
	for {
		if l.writer == 0 && l.nreaders == 0 {
			l.waitingWriters--
			l.writer = o
			l.writes = 1
			l.mu.Unlock()
			return l.unlockFunc(o), nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-wait:
			l.mu.Lock()
		case <-ctx.Done():
			l.mu.Lock()
			l.waitingWriters--
			l.broadcast() // readers held back by this writer may go now
			l.mu.Unlock()
			return nil, l.timeout("write", ctx.Err())
		}
	}
}

func (l *RWLock) unlockFunc(o Owner) func() {
	var once sync.Once
	return func() { once.Do(func() { l.unlock(o) }) }
}

func (l *RWLock) unlock(o Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != o {
		panic(fmt.Sprintf("lock: write unlock of %s by owner %d that does not hold it", l.path, o))
	}
	l.writes--
	if l.writes == 0 {
		l.writer = 0
		l.broadcast()
	}
}

func (l *RWLock) timeout(mode string, cause error) error {
	return store.NewError(store.LockTimeout, mode+" lock", store.Identity{}, "", fmt.Errorf("%s: %w", l.path, cause))
}
