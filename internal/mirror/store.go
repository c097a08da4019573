package mirror

// SessionStore is the persistence abstraction behind the Registry.
// Implementations need not be safe for concurrent use; the Registry
// serializes every call under its own lock.
type SessionStore interface {
	Get(id SessionID) (*Session, bool)
	Put(s *Session)
	Delete(id SessionID)
	IDs() []SessionID
}

// InMemoryStore is a map-backed SessionStore.
type InMemoryStore struct {
	sessions map[SessionID]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[SessionID]*Session),
	}
}

// Get implements SessionStore.Get.
func (s *InMemoryStore) Get(id SessionID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Put implements SessionStore.Put.
func (s *InMemoryStore) Put(sess *Session) {
	s.sessions[sess.ID] = sess
}

// Delete implements SessionStore.Delete.
func (s *InMemoryStore) Delete(id SessionID) {
	delete(s.sessions, id)
}

// IDs implements SessionStore.IDs.
func (s *InMemoryStore) IDs() []SessionID {
	ids := make([]SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
