package archive

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/txn"
)

// PrepareDelete builds, without running, the transaction that deletes the
// history of id. It fails before touching the disk if id is incomplete.
func (s *Store) PrepareDelete(ctx context.Context, id store.Identity) (*txn.Transaction, error) {
	tx, _, err := s.prepareDelete(ctx, id)
	return tx, err
}

func (s *Store) prepareDelete(ctx context.Context, id store.Identity) (*txn.Transaction, bool, error) {
	if !id.Valid() {
		return nil, false, store.NewError(store.InvalidState, "prepare delete", id, "", fmt.Errorf("archive is not bound to an attachment"))
	}
	a, exists, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}

	plan := &deletePlan{
		s:         s,
		id:        id,
		indexPath: s.resolver.Index(id),
		content:   map[string]string{},
	}
	for _, v := range a.Versions {
		plan.content[v.Version] = s.resolver.Content(id, v.Version)
	}

	tx := txn.New(s.locks).Append(&tombstoneStep{plan: plan}, &cleanupStep{plan: plan})
	tx.OnCommit(func() {
		if !plan.deleted {
			return
		}
		log.Debug("[archive] deleted", log.Identity(id.Document, id.Filename), log.Txn(tx.ID()))
		s.notify(Event{Kind: Deleted, Identity: id, Versions: plan.labels()})
	})
	return tx, exists, nil
}

type deletePlan struct {
	s         *Store
	id        store.Identity
	indexPath string

	// content maps labels to content paths, as loaded when the plan was made.
	// Only these paths are locked and removed.
	content   map[string]string
	tombstone string
	deleted   bool
}

func (p *deletePlan) labels() []string {
	labels := make([]string, 0, len(p.content))
	for l := range p.content {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return store.CompareVersions(labels[i], labels[j]) < 0 })
	return labels
}

// tombstoneStep is the pivot: it renames the index out of its resolvable
// path. Once it commits the attachment has no history.
type tombstoneStep struct {
	plan *deletePlan
}

func (st *tombstoneStep) Paths() []txn.Path {
	return []txn.Path{{Name: st.plan.indexPath, Class: txn.Index, Write: true}}
}

func (st *tombstoneStep) Commit(context.Context) error {
	p := st.plan
	ds, exists, err := p.s.readIndex(p.id, p.indexPath)
	if store.KindOf(err) == store.CorruptMetadata {
		// a damaged index is still deleted; content it listed stays as orphans
		log.Warn("[archive] deleting unreadable index", log.Identity(p.id.Document, p.id.Filename), log.Err(err))
		exists, err = true, nil
	}
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	for _, d := range ds {
		if _, locked := p.content[d.Version]; !locked {
			// recorded after the plan was made and not locked by it
			log.Warn("[archive] leaving content of late version as orphan",
				log.Identity(p.id.Document, p.id.Filename), log.Version(d.Version))
		}
	}

	p.tombstone = p.indexPath + ".deleted-" + uuid.New().String()
	if err := p.s.data.Rename(p.indexPath, p.tombstone); err != nil {
		return store.NewError(store.IOFailure, "remove index", p.id, "", err)
	}
	p.s.cache.Invalidate(p.indexPath)
	p.deleted = true
	return nil
}

func (st *tombstoneStep) Rollback(context.Context) error {
	p := st.plan
	if !p.deleted {
		return nil
	}
	defer p.s.cache.Invalidate(p.indexPath)
	if err := p.s.data.Rename(p.tombstone, p.indexPath); err != nil {
		return store.NewError(store.IOFailure, "restore index", p.id, "", err)
	}
	p.deleted = false
	return nil
}

// cleanupStep removes content files once the enclosing transaction has
// committed. Failures leave orphans behind and are only logged.
type cleanupStep struct {
	plan *deletePlan
}

func (st *cleanupStep) Paths() []txn.Path {
	paths := make([]txn.Path, 0, len(st.plan.content))
	for _, path := range st.plan.content {
		paths = append(paths, txn.Path{Name: path, Class: txn.Content, Write: true})
	}
	return paths
}

func (st *cleanupStep) Commit(context.Context) error   { return nil }
func (st *cleanupStep) Rollback(context.Context) error { return nil }

func (st *cleanupStep) Finalize(context.Context) {
	p := st.plan
	if !p.deleted {
		return
	}
	for label, path := range p.content {
		if err := p.s.data.Remove(path); err != nil {
			log.Warn("[archive] couldn't remove content, leaving orphan",
				log.Identity(p.id.Document, p.id.Filename), log.Version(label), log.Path(path), log.Err(err))
		}
	}
	if err := p.s.data.Remove(p.tombstone); err != nil {
		log.Warn("[archive] couldn't remove index tombstone", log.Path(p.tombstone), log.Err(err))
	}
}
