package relay

// Store is the table abstraction behind the Repository: sessions by id,
// subscriber queues by consumer id, and the broadcast index by channel.
// Implementations are not required to be safe for concurrent use; the
// Repository serialises every call.
type Store interface {
	GetSession(id SessionID) (*Session, bool)
	SetSession(s *Session)
	DeleteSession(id SessionID)
	ListSessionIDs() []SessionID

	GetQueue(consumerID string) (*SubscriberQueue, bool)
	SetQueue(q *SubscriberQueue)
	DeleteQueue(consumerID string)
	ListQueueIDs() []string

	GetIndex(key ChannelKey) (*IndexEntry, bool)
	SetIndex(e *IndexEntry)
	DeleteIndex(key ChannelKey)
	ListIndexKeys() []ChannelKey
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	sessions map[SessionID]*Session
	queues   map[string]*SubscriberQueue
	index    map[ChannelKey]*IndexEntry
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[SessionID]*Session),
		queues:   make(map[string]*SubscriberQueue),
		index:    make(map[ChannelKey]*IndexEntry),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(id SessionID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(sess *Session) {
	s.sessions[sess.ID] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(id SessionID) {
	delete(s.sessions, id)
}

// ListSessionIDs implements Store.ListSessionIDs.
func (s *InMemoryStore) ListSessionIDs() []SessionID {
	ids := make([]SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetQueue implements Store.GetQueue.
func (s *InMemoryStore) GetQueue(consumerID string) (*SubscriberQueue, bool) {
	q, ok := s.queues[consumerID]
	return q, ok
}

// SetQueue implements Store.SetQueue.
func (s *InMemoryStore) SetQueue(q *SubscriberQueue) {
	s.queues[q.ConsumerID] = q
}

// DeleteQueue implements Store.DeleteQueue.
func (s *InMemoryStore) DeleteQueue(consumerID string) {
	delete(s.queues, consumerID)
}

// ListQueueIDs implements Store.ListQueueIDs.
func (s *InMemoryStore) ListQueueIDs() []string {
	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	return ids
}

// GetIndex implements Store.GetIndex.
func (s *InMemoryStore) GetIndex(key ChannelKey) (*IndexEntry, bool) {
	e, ok := s.index[key]
	return e, ok
}

// SetIndex implements Store.SetIndex.
func (s *InMemoryStore) SetIndex(e *IndexEntry) {
	s.index[e.ChannelKey] = e
}

// DeleteIndex implements Store.DeleteIndex.
func (s *InMemoryStore) DeleteIndex(key ChannelKey) {
	delete(s.index, key)
}

// ListIndexKeys implements Store.ListIndexKeys.
func (s *InMemoryStore) ListIndexKeys() []ChannelKey {
	keys := make([]ChannelKey, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	return keys
}
