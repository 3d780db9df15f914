// Package digest computes the HighwayHash-64 checksums stored alongside
// content and index files.
package digest

import (
	"encoding/hex"
	"hash"

	"github.com/minio/highwayhash"
)

// key is fixed: checksums only guard against torn or corrupted files and
// have to stay comparable across processes.
var key = []byte("attic/highwayhash/checksum/key/1")

func New() hash.Hash64 {
	h, err := highwayhash.New64(key)
	if err != nil {
		panic("digest: " + err.Error()) // only fails for a key that isn't 32 bytes
	}
	return h
}

func Sum(b []byte) uint64 {
	return highwayhash.Sum64(b, key)
}

// String renders the hash state as the hex checksum recorded in descriptors.
func String(h hash.Hash64) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Of returns the hex checksum of b.
func Of(b []byte) string {
	h := New()
	_, _ = h.Write(b)
	return String(h)
}
