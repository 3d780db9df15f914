package archive

import (
	"errors"
	"os"
	"sync"

	"github.com/spf13/afero"
)

var errInjected = errors.New("injected I/O failure")

// faultyFs fails renames and removes chosen by the test.
type faultyFs struct {
	afero.Fs

	mu         sync.Mutex
	failRename func(from, to string) bool
	failRemove func(path string) bool
}

func newFaultyFs() *faultyFs {
	return &faultyFs{Fs: afero.NewMemMapFs()}
}

func (f *faultyFs) setFailRename(fn func(from, to string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRename = fn
}

func (f *faultyFs) setFailRemove(fn func(path string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRemove = fn
}

func (f *faultyFs) Rename(from, to string) error {
	f.mu.Lock()
	fail := f.failRename != nil && f.failRename(from, to)
	f.mu.Unlock()
	if fail {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: errInjected}
	}
	return f.Fs.Rename(from, to)
}

func (f *faultyFs) Remove(path string) error {
	f.mu.Lock()
	fail := f.failRemove != nil && f.failRemove(path)
	f.mu.Unlock()
	if fail {
		return &os.PathError{Op: "remove", Path: path, Err: errInjected}
	}
	return f.Fs.Remove(path)
}
