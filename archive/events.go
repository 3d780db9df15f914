package archive

import "github.com/dimitarvdimitrov/attic/store"

type EventKind uint8

const (
	Saved EventKind = iota + 1
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Saved:
		return "saved"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is published after an archive mutation committed.
type Event struct {
	Kind     EventKind
	Identity store.Identity
	// Versions lists the labels recorded after a save, or removed by a delete.
	Versions []string
}

// Subscribe registers fn to be called synchronously after every committed
// save or delete. fn runs after locks are released and must not block for
// long.
func (s *Store) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(e Event) {
	s.mu.RLock()
	listeners := append(([]func(Event))(nil), s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(e)
	}
}
