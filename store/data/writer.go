package data

import (
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/digest"
)

// Written describes a committed file.
type Written struct {
	Size     int64 // uncompressed
	Checksum string
	Encoding store.Encoding
}

type Writer struct {
	d        Driver
	path     string
	tmp      afero.File
	encoding store.Encoding

	compressor io.WriteCloser
	hasher     hash.Hash64
	size       int64

	once    sync.Once
	written Written
	err     error
}

func newWriter(d Driver, path string, tmp afero.File, encoding store.Encoding) (*Writer, error) {
	if encoding == "" {
		encoding = store.EncodingNone
	}
	c, err := compressor(encoding, tmp)
	if err != nil {
		return nil, err
	}
	return &Writer{
		d:          d,
		path:       path,
		tmp:        tmp,
		encoding:   encoding,
		compressor: c,
		hasher:     digest.New(),
	}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.compressor.Write(p)
	_, _ = w.hasher.Write(p[:n])
	w.size += int64(n)
	return n, err
}

// Checksum returns the checksum of the uncompressed bytes written so far.
func (w *Writer) Checksum() string {
	return digest.String(w.hasher)
}

// Commit flushes, syncs and renames the temporary file over the target
// path. On failure the temporary file is removed. Commit and Cancel can be
// called multiple times; only the first call has an effect.
func (w *Writer) Commit() (Written, error) {
	w.once.Do(func() {
		w.err = w.commit()
		if w.err != nil {
			_ = w.d.fs.Remove(w.tmp.Name())
		}
	})
	return w.written, w.err
}

func (w *Writer) commit() error {
	if err := w.compressor.Close(); err != nil {
		_ = w.tmp.Close()
		return fmt.Errorf("flushing %s: %w", w.path, err)
	}
	if w.d.fsync {
		if err := w.tmp.Sync(); err != nil {
			_ = w.tmp.Close()
			return fmt.Errorf("syncing %s: %w", w.path, err)
		}
	}
	if err := w.tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", w.path, err)
	}
	if err := w.d.Rename(w.tmp.Name(), w.path); err != nil {
		return fmt.Errorf("renaming into %s: %w", w.path, err)
	}
	w.written = Written{
		Size:     w.size,
		Checksum: digest.String(w.hasher),
		Encoding: w.encoding,
	}
	return nil
}

// Cancel discards everything written so far.
func (w *Writer) Cancel() {
	w.once.Do(func() {
		_ = w.compressor.Close()
		_ = w.tmp.Close()
		_ = w.d.fs.Remove(w.tmp.Name())
		w.err = fmt.Errorf("write to %s cancelled", w.path)
	})
}
