package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/codec"
	"github.com/dimitarvdimitrov/attic/store/layout"
	"github.com/dimitarvdimitrov/attic/store/lock"
	"github.com/dimitarvdimitrov/attic/store/txn"
)

var page = store.Identity{Document: "Space.Page", Filename: "a.png"}

type StoreSuite struct {
	suite.Suite

	require *require.Assertions
	ctx     context.Context
	fs      *faultyFs
	store   *Store
}

func (s *StoreSuite) SetupTest() {
	s.require = s.Require()
	s.ctx = context.Background()
	s.fs = newFaultyFs()
	s.store = s.newStore(s.fs, nil)
}

func (s *StoreSuite) newStore(fs afero.Fs, configure func(*Config)) *Store {
	cfg := DefaultConfig()
	cfg.Root = "/attic"
	if configure != nil {
		configure(&cfg)
	}
	resolver, err := layout.New(cfg.Root)
	s.require.NoError(err)
	c, err := codec.ByName(cfg.Codec)
	s.require.NoError(err)
	st, err := New(cfg, resolver, lock.NewRegistry(), c, WithFs(fs))
	s.require.NoError(err)
	return st
}

func version(label string, content []byte) store.Version {
	return store.Version{
		VersionDescriptor: store.VersionDescriptor{
			Version: label,
			Author:  "XWiki.Admin",
			Date:    time.Date(2011, 3, 4, 5, 6, 7, 0, time.UTC),
			Comment: "upload " + label,
		},
		Content: store.Bytes(content),
	}
}

func (s *StoreSuite) save(st *Store, id store.Identity, versions ...store.Version) {
	a, err := st.LoadArchive(s.ctx, id)
	s.require.NoError(err)
	for _, v := range versions {
		s.require.NoError(a.Add(v))
	}
	s.require.NoError(st.SaveArchive(s.ctx, a))
}

// contents loads id and returns every version's bytes by label.
func (s *StoreSuite) contents(st *Store, id store.Identity) ([]string, map[string][]byte) {
	a, err := st.LoadArchive(s.ctx, id)
	s.require.NoError(err)
	out := map[string][]byte{}
	for _, v := range a.Versions {
		b, err := store.ReadAll(s.ctx, v.Content)
		s.require.NoError(err, "version %s", v.Version)
		out[v.Version] = b
	}
	return a.Labels(), out
}

func (s *StoreSuite) tempFiles(id store.Identity) []string {
	dir := filepath.Dir(s.store.resolver.Index(id))
	infos, err := afero.ReadDir(s.fs, dir)
	s.require.NoError(err)
	var names []string
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), layout.TempPrefix) {
			names = append(names, info.Name())
		}
	}
	return names
}

func (s *StoreSuite) TestLoadNeverSaved() {
	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	s.True(a.IsEmpty())
	s.Equal(page, a.Identity)
}

func (s *StoreSuite) TestLoadInvalidIdentity() {
	_, err := s.store.LoadArchive(s.ctx, store.Identity{Document: "Space.Page"})
	s.True(errors.Is(err, store.ErrInvalidState))
}

func (s *StoreSuite) TestScenarioOnDisk() {
	root := s.T().TempDir()
	st := s.newStore(afero.NewOsFs(), func(c *Config) { c.Root = root })

	s.save(st, page, version("1.1", []byte{0x01, 0x02}))
	s.save(st, page, version("1.2", []byte{0x03, 0x04}))

	labels, contents := s.contents(st, page)
	s.Equal([]string{"1.1", "1.2"}, labels)
	s.Equal([]byte{0x01, 0x02}, contents["1.1"])
	s.Equal([]byte{0x03, 0x04}, contents["1.2"])

	s.require.NoError(st.DeleteArchive(s.ctx, page))
	a, err := st.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	s.True(a.IsEmpty())

	left, err := filepath.Glob(filepath.Join(root, "*", "*", "*"))
	s.require.NoError(err)
	s.Empty(left, "delete should clean up content files and the tombstone")
}

func (s *StoreSuite) TestRoundTripAcrossEncodings() {
	for _, codecName := range []string{"proto", "cbor"} {
		for _, compression := range []string{"none", "zstd", "lz4"} {
			s.Run(codecName+"/"+compression, func() {
				st := s.newStore(afero.NewMemMapFs(), func(c *Config) {
					c.Codec = codecName
					c.Compression = compression
				})
				want := map[string][]byte{}
				var versions []store.Version
				for i := 1; i <= 5; i++ {
					label := fmt.Sprintf("1.%d", i)
					want[label] = []byte(strings.Repeat(label, i*100))
					versions = append(versions, version(label, want[label]))
				}
				s.save(st, page, versions...)

				a, err := st.LoadArchive(s.ctx, page)
				s.require.NoError(err)
				s.Equal([]string{"1.1", "1.2", "1.3", "1.4", "1.5"}, a.Labels())
				for _, v := range a.Versions {
					s.Equal(int64(len(want[v.Version])), v.Size)
					s.NotEmpty(v.Checksum)
					s.Equal("XWiki.Admin", v.Author)
					s.Equal("upload "+v.Version, v.Comment)
				}
				_, got := s.contents(st, page)
				s.Equal(want, got)
			})
		}
	}
}

func (s *StoreSuite) TestFailedSaveLeavesPreviousState() {
	s.save(s.store, page, version("1.1", []byte{1}))
	indexPath := s.store.resolver.Index(page)
	before, err := afero.ReadFile(s.fs, indexPath)
	s.require.NoError(err)

	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	for i, label := range []string{"1.2", "1.3", "1.4"} {
		s.require.NoError(a.Add(version(label, []byte{byte(i + 2)})))
	}
	failing := s.store.resolver.Content(page, "1.3")
	s.fs.setFailRename(func(_, to string) bool { return to == failing })

	err = s.store.SaveArchive(s.ctx, a)
	s.require.Error(err)
	s.True(errors.Is(err, store.ErrIOFailure))
	s.True(errors.Is(err, errInjected))
	var serr *store.Error
	s.require.True(errors.As(err, &serr))
	s.Equal(page, serr.Identity)
	s.Equal("1.3", serr.Version)

	after, err := afero.ReadFile(s.fs, indexPath)
	s.require.NoError(err)
	s.Equal(before, after, "index must be untouched")
	for _, label := range []string{"1.2", "1.3", "1.4"} {
		exists, err := afero.Exists(s.fs, s.store.resolver.Content(page, label))
		s.require.NoError(err)
		s.False(exists, "content of %s must be rolled back", label)
	}
	s.Empty(s.tempFiles(page))

	labels, contents := s.contents(s.store, page)
	s.Equal([]string{"1.1"}, labels)
	s.Equal([]byte{1}, contents["1.1"])

	// the failure is not sticky
	s.fs.setFailRename(nil)
	s.require.NoError(s.store.SaveArchive(s.ctx, a))
	labels, _ = s.contents(s.store, page)
	s.Equal([]string{"1.1", "1.2", "1.3", "1.4"}, labels)
}

func (s *StoreSuite) TestFailedIndexReplaceLeavesPreviousState() {
	s.save(s.store, page, version("1.1", []byte{1}))
	indexPath := s.store.resolver.Index(page)
	s.fs.setFailRename(func(_, to string) bool { return to == indexPath })

	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	s.require.NoError(a.Add(version("1.2", []byte{2})))
	s.require.Error(s.store.SaveArchive(s.ctx, a))

	labels, _ := s.contents(s.store, page)
	s.Equal([]string{"1.1"}, labels)
	exists, err := afero.Exists(s.fs, s.store.resolver.Content(page, "1.2"))
	s.require.NoError(err)
	s.False(exists)
}

func (s *StoreSuite) TestDeleteSurvivesFailingCleanup() {
	s.save(s.store, page, version("1.1", []byte{1}), version("1.2", []byte{2}))
	s.fs.setFailRemove(func(path string) bool {
		return strings.HasPrefix(filepath.Base(path), "v.")
	})

	s.require.NoError(s.store.DeleteArchive(s.ctx, page))

	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	s.True(a.IsEmpty())
	exists, err := afero.Exists(s.fs, s.store.resolver.Content(page, "1.1"))
	s.require.NoError(err)
	s.True(exists, "content is left as an orphan")

	entries, err := s.store.List(s.ctx)
	s.require.NoError(err)
	s.require.Len(entries, 1)
	s.Equal(page, entries[0].Identity)
	s.False(entries[0].Indexed)
}

func (s *StoreSuite) TestDeleteMissing() {
	s.NoError(s.store.DeleteArchive(s.ctx, page))

	err := s.store.DeleteArchive(s.ctx, page, MustExist())
	s.True(errors.Is(err, store.ErrAbsent))

	err = s.store.DeleteArchive(s.ctx, store.Identity{})
	s.True(errors.Is(err, store.ErrInvalidState))
}

func (s *StoreSuite) TestConcurrentLoadsShareTheIndexLock() {
	s.save(s.store, page, version("1.1", []byte{1}))

	// an outside reader keeps the index read-locked the whole time
	unlock, err := s.store.locks.RLock(s.ctx, s.store.resolver.Index(page))
	s.require.NoError(err)
	defer unlock()

	const loaders = 16
	var wg sync.WaitGroup
	errs := make(chan error, loaders)
	wg.Add(loaders)
	for i := 0; i < loaders; i++ {
		go func() {
			defer wg.Done()
			_, err := s.store.LoadArchive(s.ctx, page)
			errs <- err
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.FailNow("concurrent loads blocked each other")
	}
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
}

func (s *StoreSuite) TestConcurrentSavesEndInOneState() {
	for i := 0; i < 20; i++ {
		st := s.newStore(afero.NewMemMapFs(), nil)
		s.save(st, page, version("1.1", []byte{1}))

		base1, err := st.LoadArchive(s.ctx, page)
		s.require.NoError(err)
		base2, err := st.LoadArchive(s.ctx, page)
		s.require.NoError(err)
		s.require.NoError(base1.Add(version("1.2", []byte{2})))
		s.require.NoError(base2.Add(version("1.3", []byte{3})))

		var wg sync.WaitGroup
		wg.Add(2)
		for _, a := range []*store.Archive{base1, base2} {
			go func(a *store.Archive) {
				defer wg.Done()
				s.NoError(st.SaveArchive(s.ctx, a))
			}(a)
		}
		wg.Wait()

		labels, contents := s.contents(st, page)
		if len(labels) == 2 && labels[1] == "1.2" {
			s.Equal(map[string][]byte{"1.1": {1}, "1.2": {2}}, contents)
		} else {
			s.Equal([]string{"1.1", "1.3"}, labels)
			s.Equal(map[string][]byte{"1.1": {1}, "1.3": {3}}, contents)
		}
	}
}

func (s *StoreSuite) TestConflictingContentIsRejected() {
	s.save(s.store, page, version("1.1", []byte{1}))

	a := &store.Archive{Identity: page}
	s.require.NoError(a.Add(version("1.1", []byte{9})))
	err := s.store.SaveArchive(s.ctx, a)
	s.True(errors.Is(err, store.ErrInvalidState))
	s.True(errors.Is(err, store.ErrVersionConflict))

	_, contents := s.contents(s.store, page)
	s.Equal([]byte{1}, contents["1.1"])
}

func (s *StoreSuite) TestResavingRecordedVersionUpdatesMetadataOnly() {
	s.save(s.store, page, version("1.1", []byte{1}))

	a := &store.Archive{Identity: page}
	v := version("1.1", []byte{1})
	v.Comment = "renamed"
	s.require.NoError(a.Add(v))
	s.require.NoError(s.store.SaveArchive(s.ctx, a))

	loaded, err := s.store.LoadVersion(s.ctx, page, "1.1")
	s.require.NoError(err)
	s.Equal("renamed", loaded.Comment)

	_, err = s.store.LoadVersion(s.ctx, page, "9.9")
	s.True(errors.Is(err, store.ErrAbsent))
}

func (s *StoreSuite) TestPrepareRejectsUnboundArchive() {
	_, err := s.store.PrepareSave(s.ctx, &store.Archive{Versions: []store.Version{version("1.1", nil)}})
	s.True(errors.Is(err, store.ErrInvalidState))

	_, err = s.store.PrepareDelete(s.ctx, store.Identity{Filename: "a.png"})
	s.True(errors.Is(err, store.ErrInvalidState))

	exists, err := afero.DirExists(s.fs, "/attic")
	s.require.NoError(err)
	s.False(exists, "nothing may be written")
}

type failingStep struct{}

func (failingStep) Paths() []txn.Path              { return nil }
func (failingStep) Commit(context.Context) error   { return errInjected }
func (failingStep) Rollback(context.Context) error { return nil }

func (s *StoreSuite) TestComposedSaveRollsBackItsOwnSteps() {
	s.save(s.store, page, version("1.1", []byte{1}))
	events := 0
	s.store.Subscribe(func(Event) { events++ })

	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	s.require.NoError(a.Add(version("1.2", []byte{2})))
	tx, err := s.store.PrepareSave(s.ctx, a)
	s.require.NoError(err)
	tx.Append(failingStep{})

	s.True(errors.Is(tx.Run(s.ctx), errInjected))

	labels, _ := s.contents(s.store, page)
	s.Equal([]string{"1.1"}, labels)
	exists, err := afero.Exists(s.fs, s.store.resolver.Content(page, "1.2"))
	s.require.NoError(err)
	s.False(exists)
	s.Zero(events)
}

func (s *StoreSuite) TestComposedDeleteRollsBack() {
	s.save(s.store, page, version("1.1", []byte{1}))

	tx, err := s.store.PrepareDelete(s.ctx, page)
	s.require.NoError(err)
	tx.Append(failingStep{})
	s.True(errors.Is(tx.Run(s.ctx), errInjected))

	labels, contents := s.contents(s.store, page)
	s.Equal([]string{"1.1"}, labels)
	s.Equal([]byte{1}, contents["1.1"])
}

type loadingStep struct {
	s      *Store
	loaded *store.Archive
}

func (st *loadingStep) Paths() []txn.Path { return nil }

func (st *loadingStep) Commit(ctx context.Context) error {
	a, err := st.s.LoadArchive(ctx, page)
	st.loaded = a
	return err
}

func (st *loadingStep) Rollback(context.Context) error { return nil }

func (s *StoreSuite) TestLoadReentersInsideTransaction() {
	s.save(s.store, page, version("1.1", []byte{1}))

	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	s.require.NoError(a.Add(version("1.2", []byte{2})))
	tx, err := s.store.PrepareSave(s.ctx, a)
	s.require.NoError(err)
	step := &loadingStep{s: s.store}
	tx.Append(step)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.require.NoError(tx.Run(ctx))
	s.Equal([]string{"1.1", "1.2"}, step.loaded.Labels(), "the nested load sees the pivoted index")
}

func (s *StoreSuite) TestEvents() {
	var events []Event
	s.store.Subscribe(func(e Event) { events = append(events, e) })

	s.save(s.store, page, version("1.1", []byte{1}))
	s.require.NoError(s.store.DeleteArchive(s.ctx, page))
	s.require.NoError(s.store.DeleteArchive(s.ctx, page))

	s.Equal([]Event{
		{Kind: Saved, Identity: page, Versions: []string{"1.1"}},
		{Kind: Deleted, Identity: page, Versions: []string{"1.1"}},
	}, events)
}

func (s *StoreSuite) TestCorruptIndex() {
	s.save(s.store, page, version("1.1", []byte{1}))
	s.require.NoError(afero.WriteFile(s.fs, s.store.resolver.Index(page), []byte("garbage"), 0o640))
	s.store.cache.Invalidate(s.store.resolver.Index(page))

	_, err := s.store.LoadArchive(s.ctx, page)
	s.True(errors.Is(err, store.ErrCorruptMetadata))
	var serr *store.Error
	s.require.True(errors.As(err, &serr))
	s.Equal(page, serr.Identity)
}

func (s *StoreSuite) TestCorruptContent() {
	s.save(s.store, page, version("1.1", []byte{1, 2, 3}))
	s.require.NoError(afero.WriteFile(s.fs, s.store.resolver.Content(page, "1.1"), []byte{1, 2, 4}, 0o640))

	v, err := s.store.LoadVersion(s.ctx, page, "1.1")
	s.require.NoError(err)
	_, err = store.ReadAll(s.ctx, v.Content)
	s.True(errors.Is(err, store.ErrChecksumMismatch))
	s.True(errors.Is(err, store.ErrIOFailure))
}

func (s *StoreSuite) TestLockTimeout() {
	st := s.newStore(s.fs, func(c *Config) { c.LockTimeout = 20 * time.Millisecond })
	unlock, err := st.locks.Lock(s.ctx, st.resolver.Index(page))
	s.require.NoError(err)
	defer unlock()

	_, err = st.LoadArchive(s.ctx, page)
	s.True(errors.Is(err, store.ErrLockTimeout))

	a := &store.Archive{Identity: page}
	s.require.NoError(a.Add(version("1.1", []byte{1})))
	err = st.SaveArchive(s.ctx, a)
	s.True(errors.Is(err, store.ErrLockTimeout))
	s.Equal(1, st.locks.Len(), "a timed out save must release the locks it took")
}

func (s *StoreSuite) TestCacheIsInvalidatedBySaves() {
	s.save(s.store, page, version("1.1", []byte{1}))
	_, err := s.store.LoadArchive(s.ctx, page) // populate
	s.require.NoError(err)
	s.Equal(1, s.store.cache.Len())

	s.save(s.store, page, version("1.2", []byte{2}))
	labels, _ := s.contents(s.store, page)
	s.Equal([]string{"1.1", "1.2"}, labels)
}

func (s *StoreSuite) TestLocksDoNotLeak() {
	s.save(s.store, page, version("1.1", []byte{1}))
	_, _ = s.contents(s.store, page)
	s.require.NoError(s.store.DeleteArchive(s.ctx, page))
	s.Zero(s.store.locks.Len())
}

func (s *StoreSuite) TestInvalidUTF8IsRejectedBeforeWriting() {
	for _, codecName := range []string{"proto", "cbor"} {
		s.Run(codecName, func() {
			fs := afero.NewMemMapFs()
			st := s.newStore(fs, func(c *Config) { c.Codec = codecName })
			s.save(st, page, version("1.1", []byte{1}))

			a, err := st.LoadArchive(s.ctx, page)
			s.require.NoError(err)
			bad := version("1.2", []byte{2})
			bad.Comment = "broken \xff"
			s.require.NoError(a.Add(bad))

			err = st.SaveArchive(s.ctx, a)
			s.True(errors.Is(err, store.ErrInvalidState), "%v", err)
			exists, err := afero.Exists(fs, st.resolver.Content(page, "1.2"))
			s.require.NoError(err)
			s.False(exists)

			labels, _ := s.contents(st, page)
			s.Equal([]string{"1.1"}, labels)
			s.NoError(st.DeleteArchive(s.ctx, page, MustExist()))
		})
	}
}

func (s *StoreSuite) TestOpenReaderDoesNotBlockAppending() {
	st := s.newStore(s.fs, func(c *Config) { c.LockTimeout = 300 * time.Millisecond })
	s.save(st, page, version("1.1", []byte{1, 2, 3}))

	v, err := st.LoadVersion(s.ctx, page, "1.1")
	s.require.NoError(err)
	r, err := v.Content.Open(s.ctx)
	s.require.NoError(err)
	defer r.Close()

	s.save(st, page, version("1.2", []byte{4}))

	b, err := io.ReadAll(r)
	s.require.NoError(err)
	s.Equal([]byte{1, 2, 3}, b)
	labels, _ := s.contents(st, page)
	s.Equal([]string{"1.1", "1.2"}, labels)
}

func (s *StoreSuite) TestChecksumMismatchLeavesNoContent() {
	s.save(s.store, page, version("1.1", []byte{1}))

	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	v := version("1.2", []byte{2})
	v.Checksum = "0000000000000000"
	s.require.NoError(a.Add(v))

	err = s.store.SaveArchive(s.ctx, a)
	s.True(errors.Is(err, store.ErrChecksumMismatch), "%v", err)

	exists, err := afero.Exists(s.fs, s.store.resolver.Content(page, "1.2"))
	s.require.NoError(err)
	s.False(exists, "rejected content must not stay on disk")
	s.Empty(s.tempFiles(page))
	labels, _ := s.contents(s.store, page)
	s.Equal([]string{"1.1"}, labels)
}

func (s *StoreSuite) TestDeleteLeavesVersionsRecordedAfterPrepare() {
	s.save(s.store, page, version("1.1", []byte{1}))
	tx, err := s.store.PrepareDelete(s.ctx, page)
	s.require.NoError(err)

	s.save(s.store, page, version("1.2", []byte{2}))
	v, err := s.store.LoadVersion(s.ctx, page, "1.2")
	s.require.NoError(err)
	r, err := v.Content.Open(s.ctx)
	s.require.NoError(err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.require.NoError(tx.Run(ctx))

	a, err := s.store.LoadArchive(s.ctx, page)
	s.require.NoError(err)
	s.True(a.IsEmpty())

	exists, err := afero.Exists(s.fs, s.store.resolver.Content(page, "1.1"))
	s.require.NoError(err)
	s.False(exists)
	exists, err = afero.Exists(s.fs, s.store.resolver.Content(page, "1.2"))
	s.require.NoError(err)
	s.True(exists, "content the delete never locked is left as an orphan")

	b, err := io.ReadAll(r)
	s.require.NoError(err)
	s.Equal([]byte{2}, b)
}

func (s *StoreSuite) TestDatesAreStoredInUTC() {
	date := time.Date(2011, 3, 4, 7, 6, 7, 8, time.FixedZone("UTC+2", 2*60*60))
	for _, codecName := range []string{"proto", "cbor"} {
		s.Run(codecName, func() {
			st := s.newStore(afero.NewMemMapFs(), func(c *Config) { c.Codec = codecName })
			v := version("1.1", []byte{1})
			v.Date = date
			// bypasses Archive.Add
			s.require.NoError(st.SaveArchive(s.ctx, &store.Archive{Identity: page, Versions: []store.Version{v}}))

			loaded, err := st.LoadVersion(s.ctx, page, "1.1")
			s.require.NoError(err)
			s.Equal(date.UTC(), loaded.Date)
		})
	}
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}
