package archive

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/digest"
	"github.com/dimitarvdimitrov/attic/store/txn"
)

// savePlan is the state shared by the steps of one save transaction.
type savePlan struct {
	s         *Store
	id        store.Identity
	indexPath string

	// descriptors is the index that will be written, filled in by the content steps
	descriptors []store.VersionDescriptor

	once      sync.Once
	committed map[string]store.VersionDescriptor
	err       error
}

// recorded returns the versions listed by the index on disk. It runs under
// the transaction's index write lock.
func (p *savePlan) recorded() (map[string]store.VersionDescriptor, error) {
	p.once.Do(func() {
		ds, _, err := p.s.readIndex(p.id, p.indexPath)
		if err != nil {
			p.err = err
			return
		}
		p.committed = make(map[string]store.VersionDescriptor, len(ds))
		for _, d := range ds {
			p.committed[d.Version] = d
		}
	})
	return p.committed, p.err
}

// PrepareSave builds, without running, the transaction that saves a. It
// fails before touching the disk if a is not bound to an attachment or its
// versions are not in order.
func (s *Store) PrepareSave(ctx context.Context, a *store.Archive) (*txn.Transaction, error) {
	if a == nil {
		return nil, store.NewError(store.InvalidState, "prepare save", store.Identity{}, "", fmt.Errorf("nil archive"))
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	plan := &savePlan{
		s:           s,
		id:          a.Identity,
		indexPath:   s.resolver.Index(a.Identity),
		descriptors: make([]store.VersionDescriptor, len(a.Versions)),
	}
	tx := txn.New(s.locks)
	for i, v := range a.Versions {
		tx.Append(&contentStep{
			plan:    plan,
			i:       i,
			version: v,
			path:    s.resolver.Content(a.Identity, v.Version),
		})
	}
	tx.Append(&indexStep{plan: plan})

	labels := a.Labels()
	tx.OnCommit(func() {
		log.Debug("[archive] saved", log.Identity(a.Identity.Document, a.Identity.Filename), log.Txn(tx.ID()))
		s.notify(Event{Kind: Saved, Identity: a.Identity, Versions: labels})
	})
	return tx, nil
}

// contentStep writes the content file of one version unless the index
// already records it.
type contentStep struct {
	plan    *savePlan
	i       int
	version store.Version
	path    string

	created bool
}

func (st *contentStep) Paths() []txn.Path {
	src, ok := st.version.Content.(*fileContent)
	if !ok {
		return []txn.Path{{Name: st.path, Class: txn.Content, Write: true}}
	}
	if src.path == st.path {
		// loaded from this archive: the file is reused, never rewritten
		return []txn.Path{{Name: st.path, Class: txn.Content}}
	}
	return []txn.Path{
		{Name: st.path, Class: txn.Content, Write: true},
		{Name: src.path, Class: txn.Content},
	}
}

func (st *contentStep) inPlace() bool {
	src, ok := st.version.Content.(*fileContent)
	return ok && src.path == st.path
}

func (st *contentStep) fail(op string, err error) error {
	return store.NewError(store.IOFailure, op, st.plan.id, st.version.Version, err)
}

func (st *contentStep) Commit(ctx context.Context) error {
	desc := st.version.VersionDescriptor
	desc.Date = desc.Date.UTC()
	recorded, err := st.plan.recorded()
	if err != nil {
		return err
	}

	if prev, ok := recorded[desc.Version]; ok {
		sum := desc.Checksum
		if sum == "" {
			if sum, err = checksumOf(ctx, st.version.Content); err != nil {
				return st.fail("checksum content", err)
			}
		}
		if prev.Checksum != "" && sum != prev.Checksum {
			return store.NewError(store.InvalidState, "save content", st.plan.id, desc.Version, store.ErrVersionConflict)
		}
		desc.Size, desc.Checksum, desc.Encoding = prev.Size, prev.Checksum, prev.Encoding
		st.plan.descriptors[st.i] = desc
		return nil
	}

	if st.inPlace() {
		// dropped from the index since it was loaded; reuse the file if it survived
		exists, err := st.plan.s.data.Exists(st.path)
		if err != nil {
			return st.fail("stat content", err)
		}
		if !exists {
			return store.NewError(store.Absent, "save content", st.plan.id, desc.Version, fmt.Errorf("content file is gone"))
		}
		st.plan.descriptors[st.i] = desc
		return nil
	}

	r, err := st.version.Content.Open(ctx)
	if err != nil {
		return st.fail("open content", err)
	}
	defer r.Close()

	w, err := st.plan.s.data.Create(st.path, st.plan.s.encoding)
	if err != nil {
		return st.fail("create content", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Cancel()
		return st.fail("write content", err)
	}
	if sum := w.Checksum(); desc.Checksum != "" && desc.Checksum != sum {
		w.Cancel()
		return st.fail("verify content", fmt.Errorf("%w: got %s, described as %s", store.ErrChecksumMismatch, sum, desc.Checksum))
	}
	written, err := w.Commit()
	if err != nil {
		return st.fail("commit content", err)
	}
	st.created = true

	desc.Size, desc.Checksum, desc.Encoding = written.Size, written.Checksum, written.Encoding
	st.plan.descriptors[st.i] = desc
	return nil
}

// Rollback removes the content file this step created. No committed index
// references it since the index is replaced last.
func (st *contentStep) Rollback(context.Context) error {
	if !st.created {
		return nil
	}
	st.created = false
	if err := st.plan.s.data.Remove(st.path); err != nil {
		return st.fail("remove content", err)
	}
	return nil
}

func checksumOf(ctx context.Context, c store.Content) (string, error) {
	r, err := c.Open(ctx)
	if err != nil {
		return "", err
	}
	defer r.Close()
	h := digest.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return digest.String(h), nil
}

// indexStep is the pivot: it atomically replaces the index with the new
// descriptor list.
type indexStep struct {
	plan *savePlan

	previous []byte
	existed  bool
	replaced bool
}

func (st *indexStep) Paths() []txn.Path {
	return []txn.Path{{Name: st.plan.indexPath, Class: txn.Index, Write: true}}
}

func (st *indexStep) fail(op string, err error) error {
	return store.NewError(store.IOFailure, op, st.plan.id, "", err)
}

func (st *indexStep) Commit(context.Context) error {
	d := st.plan.s.data
	existed, err := d.Exists(st.plan.indexPath)
	if err != nil {
		return st.fail("stat index", err)
	}
	if existed {
		if st.previous, err = d.ReadFile(st.plan.indexPath); err != nil {
			return st.fail("read index", err)
		}
	}
	st.existed = existed

	b, err := st.plan.s.codec.Encode(st.plan.descriptors)
	if err != nil {
		return st.fail("encode index", err)
	}
	if err := d.ReplaceFile(st.plan.indexPath, b); err != nil {
		return st.fail("replace index", err)
	}
	st.replaced = true
	st.plan.s.cache.Invalidate(st.plan.indexPath)
	return nil
}

// Rollback only matters when the save is part of a larger transaction that
// failed after the pivot: it puts the previous index back.
func (st *indexStep) Rollback(context.Context) error {
	if !st.replaced {
		return nil
	}
	st.replaced = false
	defer st.plan.s.cache.Invalidate(st.plan.indexPath)

	d := st.plan.s.data
	if !st.existed {
		if err := d.Remove(st.plan.indexPath); err != nil {
			return st.fail("remove index", err)
		}
		return nil
	}
	if err := d.ReplaceFile(st.plan.indexPath, st.previous); err != nil {
		return st.fail("restore index", err)
	}
	return nil
}
