// Package lock provides process-wide, path-keyed, reentrant read-write locks.
//
// The Registry hands out one RWLock per canonical path while at least one
// caller references it and forgets the lock when the last reference is
// released, so the set of live locks never outgrows the set of paths in use.
package lock

import (
	"context"
	"path/filepath"
	"sync"
)

type Registry struct {
	mu    sync.Mutex
	locks map[string]*RWLock
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*RWLock)}
}

var global = NewRegistry()

// Global returns the registry shared by the whole process.
func Global() *Registry {
	return global
}

// Acquire returns the lock for path and takes a reference to it. Every
// Acquire must be paired with a Release.
func (r *Registry) Acquire(path string) *RWLock {
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[path]
	if !ok {
		l = newRWLock(path)
		r.locks[path] = l
	}
	l.refs++
	return l
}

// Release drops a reference taken by Acquire and evicts the lock once
// nobody references it.
func (r *Registry) Release(l *RWLock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.refs--
	if l.refs < 0 {
		panic("lock: release of unreferenced lock " + l.path)
	}
	if l.refs == 0 && r.locks[l.path] == l {
		delete(r.locks, l.path)
	}
}

// Len returns how many locks are currently referenced.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// RLock acquires path's lock and read-locks it. The returned function
// unlocks and releases the reference.
func (r *Registry) RLock(ctx context.Context, path string) (func(), error) {
	return r.hold(ctx, path, (*RWLock).RLock)
}

// Lock acquires path's lock and write-locks it. The returned function
// unlocks and releases the reference.
func (r *Registry) Lock(ctx context.Context, path string) (func(), error) {
	return r.hold(ctx, path, (*RWLock).Lock)
}

func (r *Registry) hold(ctx context.Context, path string, lockFn func(*RWLock, context.Context) (func(), error)) (func(), error) {
	l := r.Acquire(path)
	unlock, err := lockFn(l, ctx)
	if err != nil {
		r.Release(l)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			r.Release(l)
		})
	}, nil
}
