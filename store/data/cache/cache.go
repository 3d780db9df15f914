// Package cache keeps recently decoded index files in memory.
//
// Entries expire after a period without use. Writers must Invalidate an
// index path while they still hold its write lock, so a reader holding the
// read lock never sees a list older than the file on disk.
package cache

import (
	"sync"
	"time"

	"github.com/dimitarvdimitrov/attic/store"
)

type entry struct {
	descriptors []store.VersionDescriptor
	timer       *time.Timer
}

type Cache struct {
	*sync.Mutex

	expiry  time.Duration
	entries map[string]*entry
}

// New returns a cache whose entries expire after expiry. A zero expiry
// returns a cache that stores nothing.
func New(expiry time.Duration) *Cache {
	return &Cache{
		Mutex:   &sync.Mutex{},
		expiry:  expiry,
		entries: make(map[string]*entry),
	}
}

func (c *Cache) enabled() bool {
	return c != nil && c.expiry > 0
}

// Get returns a copy of the cached list and resets its expiry.
func (c *Cache) Get(indexPath string) ([]store.VersionDescriptor, bool) {
	if !c.enabled() {
		return nil, false
	}
	c.Lock()
	defer c.Unlock()

	e, ok := c.entries[indexPath]
	if !ok {
		return nil, false
	}
	c.keepAlive(indexPath, e)
	return append([]store.VersionDescriptor(nil), e.descriptors...), true
}

func (c *Cache) Put(indexPath string, ds []store.VersionDescriptor) {
	if !c.enabled() {
		return
	}
	c.Lock()
	defer c.Unlock()

	e, ok := c.entries[indexPath]
	if !ok {
		e = &entry{}
		c.entries[indexPath] = e
	}
	e.descriptors = append([]store.VersionDescriptor(nil), ds...)
	c.keepAlive(indexPath, e)
}

func (c *Cache) Invalidate(indexPath string) {
	if !c.enabled() {
		return
	}
	c.Lock()
	defer c.Unlock()

	if e, ok := c.entries[indexPath]; ok {
		e.timer.Stop()
		delete(c.entries, indexPath)
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.Lock()
	defer c.Unlock()
	return len(c.entries)
}

// keepAlive must be called with the lock held.
func (c *Cache) keepAlive(indexPath string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(c.expiry, c.cleanFunc(indexPath, e))
}

func (c *Cache) cleanFunc(indexPath string, e *entry) func() {
	return func() {
		c.Lock()
		defer c.Unlock()

		if cur, ok := c.entries[indexPath]; !ok || cur != e {
			return
		}
		// kept alive after this timer fired
		if e.timer.Stop() {
			e.timer = time.AfterFunc(c.expiry, c.cleanFunc(indexPath, e))
			return
		}
		delete(c.entries, indexPath)
	}
}
