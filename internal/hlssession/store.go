package hlssession

import "sort"

// Store is the persistence abstraction for session state.
// The Registry serializes all access; implementations need no locking.
type Store interface {
	Get(id string) (*Session, bool)
	ByRef(ref ContentRef) []*Session
	Put(s *Session)
	Delete(id string)
	All() []*Session
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	byID  map[string]*Session
	byRef map[ContentRef][]string
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:  make(map[string]*Session),
		byRef: make(map[ContentRef][]string),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id string) (*Session, bool) {
	sess, ok := s.byID[id]
	return sess, ok
}

// ByRef implements Store.ByRef. Sessions are returned newest first.
func (s *InMemoryStore) ByRef(ref ContentRef) []*Session {
	ids := s.byRef[ref]
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.byID[id]; ok {
			out = append(out, sess)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(sess *Session) {
	if _, exists := s.byID[sess.ID]; !exists {
		s.byRef[sess.Ref] = append(s.byRef[sess.Ref], sess.ID)
	}
	s.byID[sess.ID] = sess
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(id string) {
	sess, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)

	ids := s.byRef[sess.Ref]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byRef, sess.Ref)
	} else {
		s.byRef[sess.Ref] = ids
	}
}

// All implements Store.All.
func (s *InMemoryStore) All() []*Session {
	out := make([]*Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess)
	}
	return out
}
