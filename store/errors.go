package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the archive store can surface.
type ErrorKind uint8

const (
	// Absent means no archive (or version) is recorded.
	Absent ErrorKind = iota + 1
	// CorruptMetadata means an index file could not be decoded. It is never retried.
	CorruptMetadata
	// IOFailure covers disk write, rename and read failures.
	IOFailure
	// LockTimeout means a bounded wait for a file lock expired. Callers may retry.
	LockTimeout
	// InvalidState is a usage error detected before any I/O.
	InvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case Absent:
		return "absent"
	case CorruptMetadata:
		return "corrupt metadata"
	case IOFailure:
		return "io failure"
	case LockTimeout:
		return "lock timeout"
	case InvalidState:
		return "invalid state"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrAbsent          = kindError(Absent)
	ErrCorruptMetadata = kindError(CorruptMetadata)
	ErrIOFailure       = kindError(IOFailure)
	ErrLockTimeout     = kindError(LockTimeout)
	ErrInvalidState    = kindError(InvalidState)
)

var (
	ErrChecksumMismatch = errors.New("content checksum mismatch")
	ErrVersionConflict  = errors.New("version already recorded with different content")
)

type sentinel struct{ kind ErrorKind }

func kindError(k ErrorKind) error { return &sentinel{kind: k} }

func (s *sentinel) Error() string { return s.kind.String() }

// Error carries the kind of a failure together with the attachment and
// version that were being processed.
type Error struct {
	Kind     ErrorKind
	Op       string
	Identity Identity
	Version  string
	Err      error
}

// NewError builds an *Error. If err is already an *Error its kind is kept
// and only the missing context is filled in.
func NewError(kind ErrorKind, op string, id Identity, version string, err error) *Error {
	var inner *Error
	if errors.As(err, &inner) {
		e := *inner
		if e.Op == "" {
			e.Op = op
		}
		if e.Identity.IsZero() {
			e.Identity = id
		}
		if e.Version == "" {
			e.Version = version
		}
		return &e
	}
	return &Error{Kind: kind, Op: op, Identity: id, Version: version, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if !e.Identity.IsZero() {
		b.WriteString(" ")
		b.WriteString(e.Identity.String())
	}
	if e.Version != "" {
		b.WriteString(" version ")
		b.WriteString(e.Version)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
