// Package layout maps attachment identities and versions to file paths.
//
// Every identity owns one directory:
//
//	<root>/<document>/<filename>/~index     the index file
//	<root>/<document>/<filename>/v.<label>  one content file per version
//
// Path segments are escaped so that distinct inputs never share a path.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dimitarvdimitrov/attic/store"
)

const (
	IndexName     = "~index"
	contentPrefix = "v."

	// TempPrefix starts the name of every in-flight temporary file. No
	// resolved path can start with it.
	TempPrefix = ".tmp-"
)

// Resolver is deterministic and collision-free: distinct identities or
// versions never resolve to the same path.
type Resolver interface {
	Index(id store.Identity) string
	Content(id store.Identity, version string) string
}

type resolver struct {
	root string
}

// New returns the default Resolver rooted at root. root is made absolute so
// the same file always yields the same lock key.
func New(root string) (Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return resolver{root: abs}, nil
}

func (r resolver) dir(id store.Identity) string {
	return filepath.Join(r.root, escape(id.Document), escape(id.Filename))
}

func (r resolver) Index(id store.Identity) string {
	return filepath.Join(r.dir(id), IndexName)
}

func (r resolver) Content(id store.Identity, version string) string {
	return filepath.Join(r.dir(id), contentPrefix+escape(version))
}

const hex = "0123456789ABCDEF"

// escape percent-encodes every byte outside [A-Za-z0-9_-]. The mapping is
// injective and never yields "", "." or "..", nor a name starting with "~" or ".".
func escape(s string) string {
	if s == "" {
		return "%"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&15])
		}
	}
	return b.String()
}

// Unescape reverses the escaping of a directory name.
func Unescape(name string) (string, error) {
	if name == "%" {
		return "", nil
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("truncated escape in %q", name)
		}
		hi, lo := strings.IndexByte(hex, name[i+1]), strings.IndexByte(hex, name[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("invalid escape in %q", name)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}
