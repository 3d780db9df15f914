package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"time"
	"unicode/utf8"
)

// Identity is the (document, filename) pair that keys an attachment's history.
type Identity struct {
	Document string
	Filename string
}

func (id Identity) IsZero() bool {
	return id.Document == "" && id.Filename == ""
}

func (id Identity) Valid() bool {
	return id.Document != "" && id.Filename != ""
}

func (id Identity) String() string {
	return id.Document + "@" + id.Filename
}

// Encoding names how a content file is compressed on disk.
type Encoding string

const (
	EncodingNone Encoding = "none"
	EncodingZstd Encoding = "zstd"
	EncodingLZ4  Encoding = "lz4"
)

// VersionDescriptor is everything about a revision except its bytes.
// Checksum and Encoding are filled in by the store when the content is written.
type VersionDescriptor struct {
	Version string
	Author  string
	// Date is kept in UTC; Archive.Add and saves normalize it.
	Date     time.Time
	Comment  string
	Size     int64
	Checksum string
	Encoding Encoding
}

// CheckText reports the first descriptor text field that is not valid UTF-8.
// Index encodings only round-trip valid UTF-8.
func (d VersionDescriptor) CheckText() error {
	for _, f := range [...]struct{ name, value string }{
		{"version", d.Version},
		{"author", d.Author},
		{"comment", d.Comment},
	} {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%s %q is not valid UTF-8", f.name, f.value)
		}
	}
	return nil
}

// Content is a handle to the bytes of one version. Implementations may be
// lazy and only touch the disk when Open is called.
type Content interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Version is a descriptor together with its content.
type Version struct {
	VersionDescriptor
	Content Content
}

type memContent []byte

func (c memContent) Open(context.Context) (io.ReadCloser, error) {
	return ioutil.NopCloser(bytes.NewReader(c)), nil
}

// Bytes returns an in-memory content handle.
func Bytes(b []byte) Content {
	return memContent(b)
}

// ReadAll opens c and reads it to the end.
func ReadAll(ctx context.Context, c Content) ([]byte, error) {
	r, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

// Archive is the ordered history of one attachment. Versions are kept
// ascending by label and labels are unique. An archive without versions
// means no history has been recorded.
type Archive struct {
	Identity Identity
	Versions []Version
}

func NewArchive(id Identity, versions ...Version) (*Archive, error) {
	a := &Archive{Identity: id}
	for _, v := range versions {
		if err := a.Add(v); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Archive) Len() int {
	return len(a.Versions)
}

func (a *Archive) IsEmpty() bool {
	return len(a.Versions) == 0
}

// Add inserts v at its position in the version order.
func (a *Archive) Add(v Version) error {
	if v.Version == "" {
		return NewError(InvalidState, "add version", a.Identity, "", fmt.Errorf("empty version label"))
	}
	v.Date = v.Date.UTC()
	i := sort.Search(len(a.Versions), func(i int) bool {
		return CompareVersions(a.Versions[i].Version, v.Version) >= 0
	})
	if i < len(a.Versions) && a.Versions[i].Version == v.Version {
		return NewError(InvalidState, "add version", a.Identity, v.Version, fmt.Errorf("duplicate version label"))
	}
	a.Versions = append(a.Versions, Version{})
	copy(a.Versions[i+1:], a.Versions[i:])
	a.Versions[i] = v
	return nil
}

func (a *Archive) Get(label string) (Version, bool) {
	i := sort.Search(len(a.Versions), func(i int) bool {
		return CompareVersions(a.Versions[i].Version, label) >= 0
	})
	if i < len(a.Versions) && a.Versions[i].Version == label {
		return a.Versions[i], true
	}
	return Version{}, false
}

func (a *Archive) Latest() (Version, bool) {
	if len(a.Versions) == 0 {
		return Version{}, false
	}
	return a.Versions[len(a.Versions)-1], true
}

func (a *Archive) Labels() []string {
	labels := make([]string, len(a.Versions))
	for i, v := range a.Versions {
		labels[i] = v.Version
	}
	return labels
}

func (a *Archive) Descriptors() []VersionDescriptor {
	ds := make([]VersionDescriptor, len(a.Versions))
	for i, v := range a.Versions {
		ds[i] = v.VersionDescriptor
	}
	return ds
}

// Validate checks the archive is bound to an identity, that labels are unique
// and ascending, that every version carries content and that its text fields
// are valid UTF-8.
func (a *Archive) Validate() error {
	if !a.Identity.Valid() {
		return NewError(InvalidState, "validate", a.Identity, "", fmt.Errorf("archive is not bound to an attachment"))
	}
	for i, v := range a.Versions {
		if v.Version == "" {
			return NewError(InvalidState, "validate", a.Identity, "", fmt.Errorf("empty version label at position %d", i))
		}
		if v.Content == nil {
			return NewError(InvalidState, "validate", a.Identity, v.Version, fmt.Errorf("version has no content"))
		}
		if err := v.CheckText(); err != nil {
			return NewError(InvalidState, "validate", a.Identity, v.Version, err)
		}
		if i > 0 && CompareVersions(a.Versions[i-1].Version, v.Version) >= 0 {
			return NewError(InvalidState, "validate", a.Identity, v.Version,
				fmt.Errorf("versions out of order or duplicated after %s", a.Versions[i-1].Version))
		}
	}
	return nil
}
