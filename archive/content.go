package archive

import (
	"context"
	"io"
	"os"

	"github.com/dimitarvdimitrov/attic/store"
)

// fileContent is the lazy handle attached to loaded versions. It remembers
// the content path and the registry that owns its lock; the lock is only
// taken while a reader is open.
type fileContent struct {
	s    *Store
	id   store.Identity
	path string
	desc store.VersionDescriptor
}

func (s *Store) content(id store.Identity, d store.VersionDescriptor) *fileContent {
	return &fileContent{
		s:    s,
		id:   id,
		path: s.resolver.Content(id, d.Version),
		desc: d,
	}
}

// Open read-locks the content file until the returned reader is closed.
// Readers must be closed before saving the same attachment from the same
// goroutine.
func (c *fileContent) Open(ctx context.Context) (io.ReadCloser, error) {
	ctx, cancel := c.s.boundLocks(ctx)
	defer cancel()

	unlock, err := c.s.locks.RLock(ctx, c.path)
	if err != nil {
		return nil, store.NewError(store.LockTimeout, "open content", c.id, c.desc.Version, err)
	}
	r, err := c.s.data.Open(c.path, c.desc, unlock)
	if os.IsNotExist(err) {
		return nil, store.NewError(store.Absent, "open content", c.id, c.desc.Version, err)
	}
	if err != nil {
		return nil, store.NewError(store.IOFailure, "open content", c.id, c.desc.Version, err)
	}
	return &contentReader{ReadCloser: r, c: c}, nil
}

type contentReader struct {
	io.ReadCloser
	c *fileContent
}

func (r *contentReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = store.NewError(store.IOFailure, "read content", r.c.id, r.c.desc.Version, err)
	}
	return n, err
}
