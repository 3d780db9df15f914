package data

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/layout"
)

const (
	dirMode  os.FileMode = 0o750
	fileMode os.FileMode = 0o640
)

// Driver reads and writes index and content files. Every file it creates is
// written to a temporary file in the target directory, synced and renamed
// into place, so readers never observe a partial file.
type Driver struct {
	fs    afero.Fs
	fsync bool
}

func NewDriver(fs afero.Fs, fsync bool) Driver {
	return Driver{fs: fs, fsync: fsync}
}

func (d Driver) Exists(path string) (bool, error) {
	_, err := d.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d Driver) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(d.fs, path)
}

// Remove deletes path. A missing file is not an error.
func (d Driver) Remove(path string) error {
	if err := d.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Rename atomically moves from to to and syncs the parent directory.
func (d Driver) Rename(from, to string) error {
	if err := d.fs.Rename(from, to); err != nil {
		return err
	}
	d.syncDir(filepath.Dir(to))
	return nil
}

// ReplaceFile atomically creates or replaces path with b.
func (d Driver) ReplaceFile(path string, b []byte) error {
	w, err := d.create(path, store.EncodingNone)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		w.Cancel()
		return err
	}
	_, err = w.Commit()
	return err
}

// Create returns a Writer that materializes path on Commit. Nothing is
// visible at path before then.
func (d Driver) Create(path string, encoding store.Encoding) (*Writer, error) {
	return d.create(path, encoding)
}

func (d Driver) create(path string, encoding store.Encoding) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := d.fs.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmpPath := filepath.Join(dir, layout.TempPrefix+uuid.New().String())
	tmp, err := d.fs.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	w, err := newWriter(d, path, tmp, encoding)
	if err != nil {
		_ = tmp.Close()
		_ = d.fs.Remove(tmpPath)
		return nil, err
	}
	return w, nil
}

// Open returns a reader of the uncompressed content described by desc. The
// reader fails at EOF if the size or checksum do not match the descriptor.
// onClose, if set, runs once when the reader is closed or Open fails.
func (d Driver) Open(path string, desc store.VersionDescriptor, onClose func()) (io.ReadCloser, error) {
	if onClose == nil {
		onClose = func() {}
	}
	f, err := d.fs.Open(path)
	if err != nil {
		onClose()
		return nil, err
	}
	r, err := newReader(f, desc, onClose)
	if err != nil {
		_ = f.Close()
		onClose()
		return nil, err
	}
	return r, nil
}

func (d Driver) syncDir(dir string) {
	if !d.fsync {
		return
	}
	f, err := d.fs.Open(dir)
	if err != nil {
		log.Debug("[data] couldn't open directory for sync", log.Path(dir), log.Err(err))
		return
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		log.Debug("[data] couldn't sync directory", log.Path(dir), log.Err(err))
	}
}
