package identity

import "sync"

// Store is an ordered collection of explicitly added identities. The zero
// value is ready to use. Insertion order is preserved and nothing is
// deduplicated.
type Store struct {
	mu  sync.RWMutex
	ids []Identity
}

// Add appends id.
func (s *Store) Add(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

// All returns a copy of the identities in insertion order.
func (s *Store) All() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, len(s.ids))
	copy(out, s.ids)
	return out
}

// Len returns the number of identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
