// Package archive stores the version history of attachments on a filesystem.
//
// Each attachment has one index file listing its version descriptors and one
// write-once content file per version. Saves write new content files first
// and then atomically replace the index; deletes atomically move the index
// away and clean up content afterwards. Readers therefore only ever see a
// complete, committed history.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/codec"
	"github.com/dimitarvdimitrov/attic/store/data"
	"github.com/dimitarvdimitrov/attic/store/data/cache"
	"github.com/dimitarvdimitrov/attic/store/inventory"
	"github.com/dimitarvdimitrov/attic/store/layout"
	"github.com/dimitarvdimitrov/attic/store/lock"
)

type Store struct {
	cfg      Config
	resolver layout.Resolver
	locks    *lock.Registry
	codec    codec.Codec
	encoding store.Encoding
	data     data.Driver
	cache    *cache.Cache

	fs afero.Fs

	mu        sync.RWMutex
	listeners []func(Event)
}

type Option func(*Store)

// WithFs replaces the filesystem, which defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// New builds a Store from explicit collaborators.
func New(cfg Config, resolver layout.Resolver, locks *lock.Registry, c codec.Codec, opts ...Option) (*Store, error) {
	if resolver == nil || locks == nil || c == nil {
		return nil, fmt.Errorf("archive: resolver, lock registry and codec are required")
	}
	encoding, err := data.ParseEncoding(cfg.Compression)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cfg:      cfg,
		resolver: resolver,
		locks:    locks,
		codec:    c,
		encoding: encoding,
		cache:    cache.New(cfg.CacheTTL),
		fs:       afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.data = data.NewDriver(s.fs, cfg.Fsync)
	return s, nil
}

// Open builds a Store with the default collaborators described by cfg and
// the process-wide lock registry.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	resolver, err := layout.New(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", cfg.Root, err)
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return New(cfg, resolver, lock.Global(), c, opts...)
}

func (s *Store) Codec() codec.Codec {
	return s.codec
}

// boundLocks applies the configured lock timeout to ctx.
func (s *Store) boundLocks(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.LockTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.LockTimeout)
	}
	return context.WithCancel(ctx)
}

// LoadArchive returns the recorded history of id. An attachment without
// history yields an empty archive, not an error. Content is read lazily.
func (s *Store) LoadArchive(ctx context.Context, id store.Identity) (*store.Archive, error) {
	a, _, err := s.load(ctx, id)
	return a, err
}

func (s *Store) load(ctx context.Context, id store.Identity) (*store.Archive, bool, error) {
	if !id.Valid() {
		return nil, false, store.NewError(store.InvalidState, "load", id, "", fmt.Errorf("incomplete attachment identity"))
	}
	ctx, cancel := s.boundLocks(ctx)
	defer cancel()

	indexPath := s.resolver.Index(id)
	unlock, err := s.locks.RLock(ctx, indexPath)
	if err != nil {
		return nil, false, store.NewError(store.LockTimeout, "load", id, "", err)
	}
	ds, exists, err := s.readIndex(id, indexPath)
	unlock()
	if err != nil {
		return nil, false, err
	}

	a := &store.Archive{Identity: id, Versions: make([]store.Version, 0, len(ds))}
	for _, d := range ds {
		a.Versions = append(a.Versions, store.Version{
			VersionDescriptor: d,
			Content:           s.content(id, d),
		})
	}
	if err := a.Validate(); err != nil {
		return nil, false, store.NewError(store.CorruptMetadata, "load", id, "", err)
	}
	return a, exists, nil
}

// readIndex reads and decodes the index file. The caller must hold the
// index lock. A missing index is reported with exists == false.
func (s *Store) readIndex(id store.Identity, indexPath string) (ds []store.VersionDescriptor, exists bool, err error) {
	if cached, ok := s.cache.Get(indexPath); ok {
		return cached, true, nil
	}
	b, err := s.data.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.NewError(store.IOFailure, "read index", id, "", err)
	}
	ds, err = s.codec.Decode(b)
	if err != nil {
		log.Error("[archive] corrupt index", log.Identity(id.Document, id.Filename), log.Path(indexPath), log.Err(err))
		return nil, true, store.NewError(store.CorruptMetadata, "read index", id, "", err)
	}
	s.cache.Put(indexPath, ds)
	return ds, true, nil
}

// LoadVersion returns one recorded version of id.
func (s *Store) LoadVersion(ctx context.Context, id store.Identity, label string) (store.Version, error) {
	a, err := s.LoadArchive(ctx, id)
	if err != nil {
		return store.Version{}, err
	}
	v, ok := a.Get(label)
	if !ok {
		return store.Version{}, store.NewError(store.Absent, "load version", id, label, fmt.Errorf("version not recorded"))
	}
	return v, nil
}

// SaveArchive records every version of a. Versions already recorded are left
// untouched; new versions become visible together or not at all.
func (s *Store) SaveArchive(ctx context.Context, a *store.Archive) error {
	tx, err := s.PrepareSave(ctx, a)
	if err != nil {
		return err
	}
	ctx, cancel := s.boundLocks(ctx)
	defer cancel()
	if err := tx.Run(ctx); err != nil {
		log.Error("[archive] save failed", log.Identity(a.Identity.Document, a.Identity.Filename), log.Txn(tx.ID()), log.Err(err))
		return store.NewError(store.IOFailure, "save", a.Identity, "", err)
	}
	return nil
}

// List returns every attachment directory under the configured root,
// including directories left without an index. It takes no locks; the result
// is a snapshot that may be stale by the time it is returned.
func (s *Store) List(ctx context.Context) ([]inventory.Entry, error) {
	if s.cfg.Root == "" {
		return nil, store.NewError(store.InvalidState, "list", store.Identity{}, "", fmt.Errorf("no root configured"))
	}
	root, err := filepath.Abs(s.cfg.Root)
	if err != nil {
		return nil, store.NewError(store.IOFailure, "list", store.Identity{}, "", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := inventory.Scan(s.fs, root)
	if err != nil {
		return nil, store.NewError(store.IOFailure, "list", store.Identity{}, "", err)
	}
	return entries, nil
}

type deleteOptions struct {
	mustExist bool
}

type DeleteOption func(*deleteOptions)

// MustExist makes DeleteArchive fail with an Absent error when nothing is
// recorded for the attachment.
func MustExist() DeleteOption {
	return func(o *deleteOptions) {
		o.mustExist = true
	}
}

// DeleteArchive removes the history of id. Deleting an attachment without
// history succeeds unless MustExist is given.
func (s *Store) DeleteArchive(ctx context.Context, id store.Identity, opts ...DeleteOption) error {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	tx, exists, err := s.prepareDelete(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		if o.mustExist {
			return store.NewError(store.Absent, "delete", id, "", fmt.Errorf("no archive recorded"))
		}
		return nil
	}

	ctx, cancel := s.boundLocks(ctx)
	defer cancel()
	if err := tx.Run(ctx); err != nil {
		log.Error("[archive] delete failed", log.Identity(id.Document, id.Filename), log.Txn(tx.ID()), log.Err(err))
		return store.NewError(store.IOFailure, "delete", id, "", err)
	}
	return nil
}
