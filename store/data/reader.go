package data

import (
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/digest"
)

type verifyingReader struct {
	f          io.Closer
	r          io.Reader
	closeCodec func()

	desc   store.VersionDescriptor
	hasher hash.Hash64
	read   int64

	// onClose will be called when Close() has been called
	onClose func()
	once    sync.Once
}

func newReader(f io.ReadCloser, desc store.VersionDescriptor, onClose func()) (*verifyingReader, error) {
	r, closeCodec, err := decompressor(desc.Encoding, f)
	if err != nil {
		return nil, err
	}
	return &verifyingReader{
		f:          f,
		r:          r,
		closeCodec: closeCodec,
		desc:       desc,
		hasher:     digest.New(),
		onClose:    onClose,
	}, nil
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	_, _ = vr.hasher.Write(p[:n])
	vr.read += int64(n)
	if err == io.EOF {
		if verr := vr.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (vr *verifyingReader) verify() error {
	if vr.read != vr.desc.Size {
		return fmt.Errorf("%w: read %d bytes, expected %d", store.ErrChecksumMismatch, vr.read, vr.desc.Size)
	}
	if vr.desc.Checksum == "" {
		return nil
	}
	if sum := digest.String(vr.hasher); sum != vr.desc.Checksum {
		return fmt.Errorf("%w: got %s, expected %s", store.ErrChecksumMismatch, sum, vr.desc.Checksum)
	}
	return nil
}

// Close can be called multiple times. Any call after the first is a noop
func (vr *verifyingReader) Close() error {
	var err error
	vr.once.Do(func() {
		vr.closeCodec()
		err = vr.f.Close()
		vr.onClose()
	})
	return err
}
