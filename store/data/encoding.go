package data

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dimitarvdimitrov/attic/store"
)

// ParseEncoding validates a configured content encoding.
func ParseEncoding(name string) (store.Encoding, error) {
	switch store.Encoding(name) {
	case "", store.EncodingNone:
		return store.EncodingNone, nil
	case store.EncodingZstd, store.EncodingLZ4:
		return store.Encoding(name), nil
	default:
		return "", fmt.Errorf("unknown content encoding %q", name)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(encoding store.Encoding, w io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case "", store.EncodingNone:
		return nopWriteCloser{w}, nil
	case store.EncodingZstd:
		return zstd.NewWriter(w)
	case store.EncodingLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown content encoding %q", encoding)
	}
}

func decompressor(encoding store.Encoding, r io.Reader) (io.Reader, func(), error) {
	switch encoding {
	case "", store.EncodingNone:
		return r, func() {}, nil
	case store.EncodingZstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case store.EncodingLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown content encoding %q", encoding)
	}
}
